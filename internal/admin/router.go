// Package admin is the operator command surface. Commands arrive as chat
// text, are restricted to the configured owners and answer with a Reply
// whose Code follows HTTP status semantics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"trackerbot/internal/domain"
	logx "trackerbot/pkg/logx"
)

const (
	CodeOK          = 200
	CodeCreated     = 201
	CodeBadRequest  = 400
	CodeForbidden   = 403
	CodeNotFound    = 404
	CodeConflict    = 409
	CodeInternal    = 500
	CodeUnavailable = 503
)

type Reply struct {
	Code int
	Text string
}

// Render formats the reply for a chat; failures carry their code.
func (r Reply) Render() string {
	if r.Code >= 400 {
		return fmt.Sprintf("⚠️ %d: %s", r.Code, r.Text)
	}
	return r.Text
}

func OK(format string, args ...any) Reply {
	return Reply{Code: CodeOK, Text: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) Reply {
	return Reply{Code: CodeBadRequest, Text: fmt.Sprintf(format, args...)}
}

// ErrorReply maps err to a status by its domain kind.
func ErrorReply(err error) Reply {
	code := CodeInternal
	switch domain.KindOf(err) {
	case domain.KindValidation:
		code = CodeBadRequest
	case domain.KindNotFound:
		code = CodeNotFound
	case domain.KindConflict:
		code = CodeConflict
	case domain.KindTransient:
		code = CodeUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeUnavailable
	}
	return Reply{Code: code, Text: err.Error()}
}

type Request struct {
	FromID   int64
	FromName string
	Command  string
	Args     []string
	Logger   logx.Logger
}

// Actor names the requester for audit fields.
func (r *Request) Actor() string {
	if r.FromName != "" {
		return "@" + r.FromName
	}
	return fmt.Sprintf("tg:%d", r.FromID)
}

type HandlerFunc func(ctx context.Context, req *Request) Reply

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

type Command struct {
	Name        string
	Usage       string
	Description string
	Handle      HandlerFunc
}

type Router struct {
	mu      sync.RWMutex
	cmds    map[string]Command
	owners  map[int64]bool
	timeout time.Duration
	log     logx.Logger
}

func NewRouter(owners []int64, timeout time.Duration, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &Router{cmds: map[string]Command{}, timeout: timeout, log: log.With(logx.String("comp", "admin"))}
	r.SetOwners(owners)
	r.Register(Command{Name: "help", Description: "list commands", Handle: r.help})
	return r
}

// SetOwners replaces the access list. An empty list denies everyone.
func (r *Router) SetOwners(ids []int64) {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	r.mu.Lock()
	r.owners = m
	r.mu.Unlock()
}

func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		r.cmds[strings.ToLower(c.Name)] = c
	}
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs the command in text. The bool is false when text is not a
// command at all.
func (r *Router) Dispatch(ctx context.Context, fromID int64, fromName, text string) (Reply, bool) {
	name, args, ok := ParseCommand(text)
	if !ok {
		return Reply{}, false
	}
	r.mu.RLock()
	cmd, found := r.cmds[name]
	allowed := r.owners[fromID]
	r.mu.RUnlock()

	req := &Request{
		FromID:   fromID,
		FromName: fromName,
		Command:  name,
		Args:     args,
		Logger:   r.log.With(logx.String("cmd", name), logx.Int64("from_id", fromID)),
	}
	if !allowed {
		req.Logger.Warn("command denied")
		return Reply{Code: CodeForbidden, Text: "not allowed"}, true
	}
	if !found {
		return Reply{Code: CodeNotFound, Text: fmt.Sprintf("unknown command /%s, try /help", name)}, true
	}
	h := Chain(cmd.Handle, MWTimeout(r.timeout), MWPanicRecover(), MWRequestLog())
	return h(ctx, req), true
}

// ParseCommand splits "/name@bot a b" into its lowercase name and args.
func ParseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

func (r *Router) help(_ context.Context, _ *Request) Reply {
	var b strings.Builder
	for _, c := range r.Commands() {
		b.WriteString("/" + c.Name)
		if c.Usage != "" {
			b.WriteString(" " + c.Usage)
		}
		if c.Description != "" {
			b.WriteString(" - " + c.Description)
		}
		b.WriteByte('\n')
	}
	return OK("%s", strings.TrimRight(b.String(), "\n"))
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) Reply {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (rep Reply) {
			defer func() {
				if rec := recover(); rec != nil {
					req.Logger.Error("panic recovered",
						logx.Any("panic", rec),
						logx.String("stack", string(debug.Stack())),
					)
					rep = Reply{Code: CodeInternal, Text: "internal error"}
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) Reply {
			start := time.Now()
			rep := next(ctx, req)
			d := time.Since(start)
			fields := []logx.Field{
				logx.Int("code", rep.Code),
				logx.Strings("args", req.Args),
				logx.Duration("dur", d),
			}
			switch {
			case rep.Code >= 500:
				req.Logger.Warn("request failed", append(fields, logx.String("reply", rep.Text))...)
			case d >= 750*time.Millisecond:
				req.Logger.Info("request ok", fields...)
			default:
				req.Logger.Debug("request ok", fields...)
			}
			return rep
		}
	}
}
