package stick

import (
	"errors"
	"testing"
)

func TestAddStatusListenerDeliversCurrentStatus(t *testing.T) {
	e := New(Config{Port: "unused"}, testLogger())

	r := &recorder{}
	if err := e.AddStatusListener(3, r); err != nil {
		t.Fatal(err)
	}
	if got := r.statuses(); len(got) != 1 || got[0] != StatusNoInformation {
		t.Fatalf("got %v, want [NO_INFORMATION]", got)
	}

	e.channels.notify(3, StatusBottom)
	r2 := &recorder{}
	_ = e.AddStatusListener(3, r2)
	if got := r2.statuses(); len(got) != 1 || got[0] != StatusBottom {
		t.Errorf("late listener: got %v, want [BOTTOM]", got)
	}
	if e.State() != StateDisconnected {
		t.Errorf("state: got %s", e.State())
	}
}

func TestAddStatusListenerInvalidChannel(t *testing.T) {
	e := New(Config{Port: "unused"}, testLogger())
	for _, id := range []int{0, 16} {
		if err := e.AddStatusListener(id, &recorder{}); !errors.Is(err, ErrInvalidChannel) {
			t.Errorf("%d: got %v", id, err)
		}
	}
}

func TestNotifyOnlyOnChange(t *testing.T) {
	tbl := &channelTable{logger: testLogger()}
	r := &recorder{}
	tbl.add(1, r)

	tbl.notify(1, StatusTop)
	tbl.notify(1, StatusTop)
	tbl.notify(1, StatusMovingDown)

	want := []ResponseStatus{StatusNoInformation, StatusTop, StatusMovingDown}
	got := r.statuses()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNotifyDeliversFirstReply(t *testing.T) {
	tbl := &channelTable{logger: testLogger()}
	r := &recorder{}
	tbl.add(5, r)

	if !tbl.notify(5, StatusNoInformation) {
		t.Error("first reply not delivered")
	}
	if tbl.notify(5, StatusNoInformation) {
		t.Error("repeated reply delivered")
	}
	if got := r.statuses(); len(got) != 2 || got[1] != StatusNoInformation {
		t.Errorf("got %v", got)
	}
}

func TestRemoveStatusListener(t *testing.T) {
	tbl := &channelTable{logger: testLogger()}
	a, b := &recorder{}, &recorder{}
	tbl.add(2, a)
	tbl.add(2, b)
	tbl.remove(2, a)

	tbl.notify(2, StatusBottom)
	if a.last() == StatusBottom {
		t.Error("removed listener still notified")
	}
	if b.last() != StatusBottom {
		t.Error("remaining listener not notified")
	}
	tbl.remove(2, b)
	if tbl.hasListeners(2) {
		t.Error("hasListeners after removing all")
	}
}

func TestListenerFuncIsRemovable(t *testing.T) {
	tbl := &channelTable{logger: testLogger()}
	var calls int
	l := ListenerFunc(func(int, ResponseStatus) { calls++ })
	tbl.add(4, l)
	tbl.remove(4, l)
	tbl.notify(4, StatusTop)
	if calls != 1 {
		t.Errorf("calls: got %d, want 1 (initial delivery only)", calls)
	}
}

func TestPanickingListenerDoesNotBlockOthers(t *testing.T) {
	tbl := &channelTable{logger: testLogger()}
	r := &recorder{}
	var armed bool
	tbl.add(1, ListenerFunc(func(int, ResponseStatus) {
		if armed {
			panic("boom")
		}
	}))
	tbl.add(1, r)
	armed = true
	tbl.notify(1, StatusTop)
	if r.last() != StatusTop {
		t.Error("listener after panicking one not notified")
	}
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name string
		in   []ResponseStatus
		want ResponseStatus
	}{
		{"empty", nil, StatusNoInformation},
		{"single", []ResponseStatus{StatusTop}, StatusTop},
		{"all equal", []ResponseStatus{StatusBottom, StatusBottom, StatusBottom}, StatusBottom},
		{"mixed", []ResponseStatus{StatusTop, StatusBottom}, StatusNoInformation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateStatus(tt.in); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGroupAggregatesMembers(t *testing.T) {
	e := New(Config{Port: "unused"}, testLogger())
	var changes []ResponseStatus
	g, err := NewGroup([]int{1, 2}, func(st ResponseStatus) { changes = append(changes, st) })
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Attach(e); err != nil {
		t.Fatal(err)
	}

	e.channels.notify(1, StatusTop)
	if g.Status() != StatusNoInformation {
		t.Errorf("partial: got %s", g.Status())
	}
	e.channels.notify(2, StatusTop)
	if g.Status() != StatusTop {
		t.Errorf("all top: got %s", g.Status())
	}
	e.channels.notify(2, StatusMovingDown)
	if g.Status() != StatusNoInformation {
		t.Errorf("diverged: got %s", g.Status())
	}

	want := []ResponseStatus{StatusNoInformation, StatusTop, StatusNoInformation}
	if len(changes) != len(want) {
		t.Fatalf("changes: got %v, want %v", changes, want)
	}

	g.Detach(e)
	if e.HasListeners(1) || e.HasListeners(2) {
		t.Error("group still registered after Detach")
	}
}

func TestParseChannelIDs(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"1,2,3", []int{1, 2, 3}, false},
		{" 5 , 1 ", []int{1, 5}, false},
		{"3-5,9", []int{3, 4, 5, 9}, false},
		{"2,2,2", []int{2}, false},
		{"", nil, true},
		{"0", nil, true},
		{"16", nil, true},
		{"a", nil, true},
		{"5-3", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseChannelIDs(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidChannel) {
					t.Errorf("got %v, want ErrInvalidChannel", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}
