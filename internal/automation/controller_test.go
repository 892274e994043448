package automation

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"elero-go-home/internal/coordinator"
	"elero-go-home/internal/stick"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeController knows channels 1 (kitchen) and 2 (bedroom) and group "all".
type fakeController struct {
	events *coordinator.EventBus

	mu    sync.Mutex
	calls []string
}

func newFakeController() *fakeController {
	return &fakeController{events: coordinator.NewEventBus(testLogger())}
}

var fakeChannels = []coordinator.ChannelInfo{
	{ID: 1, Name: "kitchen", Status: "TOP", Position: 0},
	{ID: 2, Name: "bedroom", Status: "BOTTOM", Position: 100},
}

func (f *fakeController) record(format string, args ...interface{}) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Events() *coordinator.EventBus { return f.events }

func (f *fakeController) Resolve(target string) ([]int, error) {
	if id, err := strconv.Atoi(target); err == nil {
		if id == 1 || id == 2 {
			return []int{id}, nil
		}
		return nil, coordinator.ErrUnknownChannel
	}
	switch target {
	case "kitchen":
		return []int{1}, nil
	case "bedroom":
		return []int{2}, nil
	case "all":
		return []int{1, 2}, nil
	}
	return nil, coordinator.ErrUnknownChannel
}

func (f *fakeController) Channel(id int) (coordinator.ChannelInfo, bool) {
	for _, ch := range fakeChannels {
		if ch.ID == id {
			return ch, true
		}
	}
	return coordinator.ChannelInfo{}, false
}

func (f *fakeController) Channels() []coordinator.ChannelInfo { return fakeChannels }

func (f *fakeController) Group(name string) (coordinator.GroupInfo, bool) {
	if name == "all" {
		return coordinator.GroupInfo{Name: "all", Channels: []int{1, 2}}, true
	}
	return coordinator.GroupInfo{}, false
}

func (f *fakeController) SendCommand(id int, cmd stick.CommandType) error {
	f.record("%s %d", cmd, id)
	return nil
}

func (f *fakeController) SendTimed(id int, cmd stick.CommandType, d time.Duration) error {
	f.record("%s %d for %s", cmd, id, d)
	return nil
}

func (f *fakeController) GroupCommand(name string, cmd stick.CommandType) error {
	f.record("%s group %s", cmd, name)
	return nil
}

func (f *fakeController) Refresh(ids ...int) error {
	f.record("refresh %v", ids)
	return nil
}

func TestSendToTarget(t *testing.T) {
	tests := []struct {
		cmd    stick.CommandType
		target string
		want   []string
	}{
		{stick.CommandUp, "1", []string{"UP 1"}},
		{stick.CommandDown, "bedroom", []string{"DOWN 2"}},
		{stick.CommandStop, "all", []string{"STOP group all"}},
		{stick.CommandInfo, "all", []string{"refresh [1 2]"}},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.String()+" "+tt.target, func(t *testing.T) {
			f := newFakeController()
			if err := sendToTarget(f, tt.cmd, tt.target); err != nil {
				t.Fatal(err)
			}
			got := f.recorded()
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("calls = %v, want %v", got, tt.want)
			}
		})
	}

	f := newFakeController()
	if err := sendToTarget(f, stick.CommandUp, "attic"); !errors.Is(err, coordinator.ErrUnknownChannel) {
		t.Errorf("unknown target: err = %v", err)
	}
}

func TestSendTimedToTarget(t *testing.T) {
	f := newFakeController()
	if err := sendTimedToTarget(f, stick.CommandDown, "all", 3*time.Second); err != nil {
		t.Fatal(err)
	}
	want := "[DOWN 1 for 3s DOWN 2 for 3s]"
	if got := fmt.Sprint(f.recorded()); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
}

func TestParseScheduledCommand(t *testing.T) {
	for _, ok := range []string{"up", "DOWN", "stop", "intermediate", "ventilation", "info"} {
		if _, err := parseScheduledCommand(ok); err != nil {
			t.Errorf("%s: %v", ok, err)
		}
	}
	for _, bad := range []string{"check", "none", "toggle", ""} {
		if _, err := parseScheduledCommand(bad); !errors.Is(err, stick.ErrInvalidCommand) {
			t.Errorf("%q: err = %v", bad, err)
		}
	}
}
