package config

import "sync"

// feed fans accepted configs out to subscribers. Only the newest config
// matters, so a full subscriber has its oldest pending value replaced.
type feed struct {
	mu      sync.Mutex
	outs    map[chan *Config]struct{}
	dropped func(ch chan *Config)
}

func (f *feed) add(buffer int) chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	f.mu.Lock()
	if f.outs == nil {
		f.outs = make(map[chan *Config]struct{})
	}
	f.outs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

// remove closes ch. The lock is shared with send so a channel is never
// closed while a send is in flight.
func (f *feed) remove(ch chan *Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.outs[ch]; !ok {
		return
	}
	delete(f.outs, ch)
	close(ch)
}

func (f *feed) send(cfg *Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.outs {
		if offer(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) && f.dropped != nil {
			f.dropped(ch)
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}
