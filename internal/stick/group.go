package stick

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ListenerRegistry is implemented by Engine.
type ListenerRegistry interface {
	AddStatusListener(channel int, l StatusListener) error
	RemoveStatusListener(channel int, l StatusListener)
}

// AggregateStatus returns the common status if all statuses agree and
// NO_INFORMATION otherwise (including for an empty slice).
func AggregateStatus(statuses []ResponseStatus) ResponseStatus {
	if len(statuses) == 0 {
		return StatusNoInformation
	}
	first := statuses[0]
	for _, s := range statuses[1:] {
		if s != first {
			return StatusNoInformation
		}
	}
	return first
}

// Group treats several channels as one: its status is the aggregate of the
// members' latest statuses.
type Group struct {
	ids      []int
	onChange func(ResponseStatus)

	mu       sync.Mutex
	statuses map[int]ResponseStatus
	status   ResponseStatus
	reported bool
}

// NewGroup creates a group over ids. onChange is called whenever the
// aggregate status changes, including the first computed value.
func NewGroup(ids []int, onChange func(ResponseStatus)) (*Group, error) {
	cs, err := NewChannelSet(ids...)
	if err != nil {
		return nil, err
	}
	statuses := make(map[int]ResponseStatus, len(ids))
	for _, id := range cs.IDs() {
		statuses[id] = StatusNoInformation
	}
	return &Group{
		ids:      cs.IDs(),
		onChange: onChange,
		statuses: statuses,
	}, nil
}

// IDs returns the member channel ids in ascending order.
func (g *Group) IDs() []int {
	return append([]int(nil), g.ids...)
}

// Status returns the current aggregate.
func (g *Group) Status() ResponseStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// StatusChanged implements StatusListener.
func (g *Group) StatusChanged(channel int, status ResponseStatus) {
	g.mu.Lock()
	if _, ok := g.statuses[channel]; !ok {
		g.mu.Unlock()
		return
	}
	g.statuses[channel] = status
	all := make([]ResponseStatus, 0, len(g.ids))
	for _, id := range g.ids {
		all = append(all, g.statuses[id])
	}
	agg := AggregateStatus(all)
	changed := !g.reported || agg != g.status
	g.status = agg
	g.reported = true
	g.mu.Unlock()

	if changed && g.onChange != nil {
		g.onChange(agg)
	}
}

// Attach registers the group on every member channel.
func (g *Group) Attach(r ListenerRegistry) error {
	for _, id := range g.ids {
		if err := r.AddStatusListener(id, g); err != nil {
			return err
		}
	}
	return nil
}

// Detach removes the group from every member channel.
func (g *Group) Detach(r ListenerRegistry) {
	for _, id := range g.ids {
		r.RemoveStatusListener(id, g)
	}
}

// ParseChannelIDs parses a comma separated list such as "1,2,5".
// Ranges like "3-6" are accepted. Duplicates are removed.
func ParseChannelIDs(s string) ([]int, error) {
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi := part, part
		if i := strings.Index(part, "-"); i > 0 {
			lo, hi = part[:i], part[i+1:]
		}
		from, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, part)
		}
		to, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil || to < from {
			return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, part)
		}
		for id := from; id <= to; id++ {
			if id < 1 || id > MaxChannel {
				return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, id)
			}
			seen[id] = true
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("%w: no channels in %q", ErrInvalidChannel, s)
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}
