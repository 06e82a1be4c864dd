package telegram

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"
)

const (
	textLimit       = 4000
	maxCommands     = 100
	maxCommandDescr = 256
)

type Command struct {
	Name        string
	Description string
}

// SendText posts text to a chat, or to a forum thread when threadID is set,
// split into as many messages as needed.
func (a *Adapter) SendText(ctx context.Context, chatID int64, threadID int, text string) error {
	to := &tele.Chat{ID: chatID}
	opts := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: threadID}
	for _, part := range SplitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(to, part, opts); err != nil {
			return err
		}
	}
	return nil
}

// SetCommands replaces the bot's command menu. Nameless entries are skipped
// and Telegram's size limits are applied.
func (a *Adapter) SetCommands(cmds []Command) error {
	menu := make([]tele.Command, 0, min(len(cmds), maxCommands))
	for _, c := range cmds {
		if c.Name == "" {
			continue
		}
		if len(menu) == maxCommands {
			break
		}
		descr := c.Description
		if descr == "" {
			descr = c.Name
		}
		if len(descr) > maxCommandDescr {
			descr = descr[:maxCommandDescr]
		}
		menu = append(menu, tele.Command{Text: c.Name, Description: descr})
	}
	return a.bot.SetCommands(menu)
}

// SplitText cuts s into pieces of at most limit runes. A piece ends at the
// last newline inside the window unless that would leave it shorter than a
// third of limit. Newlines at the cut are dropped.
func SplitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var parts []string
	for len(rs) > 0 {
		cut := min(limit, len(rs))
		if cut < len(rs) {
			for i := cut - 1; i >= limit/3; i-- {
				if rs[i] == '\n' {
					cut = i + 1
					break
				}
			}
		}
		parts = append(parts, strings.TrimRight(string(rs[:cut]), "\n"))
		rs = []rune(strings.TrimLeft(string(rs[cut:]), "\n"))
	}
	return parts
}
