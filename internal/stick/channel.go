package stick

import (
	"log/slog"
	"sync"
)

// StatusListener receives status updates for a channel.
// Implementations must be comparable so they can be removed again.
type StatusListener interface {
	StatusChanged(channel int, status ResponseStatus)
}

type funcListener struct {
	fn func(int, ResponseStatus)
}

func (f *funcListener) StatusChanged(channel int, status ResponseStatus) { f.fn(channel, status) }

// ListenerFunc adapts fn to a StatusListener. Keep the returned value to
// remove the listener later.
func ListenerFunc(fn func(channel int, status ResponseStatus)) StatusListener {
	return &funcListener{fn: fn}
}

// channelState is the runtime record of one channel. dispatchMu orders
// deliveries so a listener never sees an older status after a newer one;
// listeners must not add or remove listeners of the same channel from inside
// StatusChanged.
type channelState struct {
	dispatchMu sync.Mutex

	mu     sync.Mutex
	status ResponseStatus
	// reported is set by the first reply from the stick. That reply is
	// always delivered, even when it equals the initial NO_INFORMATION.
	reported  bool
	listeners []StatusListener
}

type channelTable struct {
	states [MaxChannel]channelState
	logger *slog.Logger
}

func (t *channelTable) state(id int) *channelState {
	if id < 1 || id > MaxChannel {
		return nil
	}
	return &t.states[id-1]
}

// add registers l and delivers the last known status to it synchronously.
func (t *channelTable) add(id int, l StatusListener) {
	s := t.state(id)
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	st := s.status
	s.mu.Unlock()

	t.dispatch(id, st, []StatusListener{l})
}

func (t *channelTable) remove(id int, l StatusListener) {
	s := t.state(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.listeners {
		if it == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (t *channelTable) hasListeners(id int) bool {
	s := t.state(id)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners) > 0
}

func (t *channelTable) status(id int) ResponseStatus {
	s := t.state(id)
	if s == nil {
		return StatusNoInformation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// notify records st for channel id and, if it changed or is the first
// reply for the channel, calls every listener.
func (t *channelTable) notify(id int, st ResponseStatus) bool {
	s := t.state(id)
	if s == nil {
		return false
	}
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if s.reported && s.status == st {
		s.mu.Unlock()
		return false
	}
	s.reported = true
	s.status = st
	listeners := append([]StatusListener(nil), s.listeners...)
	s.mu.Unlock()

	t.dispatch(id, st, listeners)
	return true
}

func (t *channelTable) dispatch(id int, st ResponseStatus, listeners []StatusListener) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("status listener panic", "channel", id, "panic", r)
				}
			}()
			l.StatusChanged(id, st)
		}()
	}
}

// clear drops every listener.
func (t *channelTable) clear() {
	for i := range t.states {
		s := &t.states[i]
		s.mu.Lock()
		s.listeners = nil
		s.mu.Unlock()
	}
}
