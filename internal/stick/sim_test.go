package stick

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// simStick is an in-memory stick that answers CHECK, INFO and SEND.
type simStick struct {
	mu        sync.Mutex
	known     ChannelSet
	statuses  map[int]ResponseStatus
	pending   map[int]ResponseStatus
	moveFirst bool
	silent    bool
	writes    [][]byte
	// swallow, when set, decides per packet whether to leave it unanswered.
	swallow func(p []byte) bool

	out      chan []byte
	readErr  chan error
	closed   chan struct{}
	closeMu  sync.Once
	leftover []byte
}

func newSimStick(known ...int) *simStick {
	cs, _ := NewChannelSet(known...)
	return &simStick{
		known:    cs,
		statuses: make(map[int]ResponseStatus),
		pending:  make(map[int]ResponseStatus),
		out:      make(chan []byte, 64),
		readErr:  make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func withChecksum(b ...byte) []byte {
	return append(b, checksum(b))
}

func (s *simStick) Read(p []byte) (int, error) {
	if len(s.leftover) == 0 {
		select {
		case b := <-s.out:
			s.leftover = b
		case err := <-s.readErr:
			return 0, err
		case <-s.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, s.leftover)
	s.leftover = s.leftover[n:]
	return n, nil
}

func (s *simStick) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, errors.New("sim: write on closed port")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), p...))
	if s.silent || len(p) < 3 || (s.swallow != nil && s.swallow(p)) {
		return len(p), nil
	}

	switch p[2] {
	case typeCheck:
		hi, lo := s.known.bytes()
		s.out <- withChecksum(packetHeader, lenConfirm, typeConfirm, hi, lo)
	case typeInfo:
		cs := channelSetFromBytes(p[3], p[4])
		for _, id := range cs.IDs() {
			if st, ok := s.pending[id]; ok {
				s.statuses[id] = st
				delete(s.pending, id)
			}
			s.out <- withChecksum(packetHeader, lenAck, typeAck, p[3], p[4], byte(s.statuses[id]))
		}
	case typeSend:
		cs := channelSetFromBytes(p[3], p[4])
		final, moving := StatusStopped, StatusStopped
		switch p[5] {
		case 0x20:
			final, moving = StatusTop, StatusMovingUp
		case 0x40:
			final, moving = StatusBottom, StatusMovingDown
		case 0x44:
			final, moving = StatusIntermediate, StatusMovingDown
		case 0x24:
			final, moving = StatusVentilation, StatusMovingDown
		}
		for _, id := range cs.IDs() {
			reply := final
			if s.moveFirst && final != StatusStopped {
				reply = moving
				s.pending[id] = final
			}
			s.statuses[id] = reply
			s.out <- withChecksum(packetHeader, lenAck, typeAck, p[3], p[4], byte(reply))
		}
	}
	return len(p), nil
}

func (s *simStick) Close() error {
	s.closeMu.Do(func() { close(s.closed) })
	return nil
}

func (s *simStick) setStatus(id int, st ResponseStatus) {
	s.mu.Lock()
	s.statuses[id] = st
	s.mu.Unlock()
}

// written returns a copy of every packet written so far.
func (s *simStick) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func (s *simStick) wrote(want []byte) bool {
	for _, w := range s.written() {
		if string(w) == string(want) {
			return true
		}
	}
	return false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder is a StatusListener that keeps every delivery.
type recorder struct {
	mu  sync.Mutex
	got []ResponseStatus
}

func (r *recorder) StatusChanged(_ int, st ResponseStatus) {
	r.mu.Lock()
	r.got = append(r.got, st)
	r.mu.Unlock()
}

func (r *recorder) statuses() []ResponseStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ResponseStatus(nil), r.got...)
}

func (r *recorder) last() ResponseStatus {
	got := r.statuses()
	if len(got) == 0 {
		return StatusNoInformation
	}
	return got[len(got)-1]
}

func (r *recorder) saw(st ResponseStatus) bool {
	for _, s := range r.statuses() {
		if s == st {
			return true
		}
	}
	return false
}
