package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"elero-go-home/internal/stick"
	"elero-go-home/internal/store"
)

var (
	// ErrUnknownChannel is returned for a channel id or name that is neither
	// configured nor discovered.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrUnknownGroup is returned for a group name that is not configured.
	ErrUnknownGroup = errors.New("unknown group")
	// ErrUnsupportedPosition is returned for a position without a matching command.
	ErrUnsupportedPosition = errors.New("unsupported position")
)

// Stick is the engine surface the coordinator drives. *stick.Engine implements it.
type Stick interface {
	Start() error
	Stop()
	State() stick.State
	KnownChannelIDs() ([]int, bool)
	SendCommand(cmd stick.CommandType, ids ...int) error
	SendTimedCommand(cmd stick.CommandType, d time.Duration, ids ...int) error
	RequestUpdate(ids ...int) error
	AddStatusListener(channel int, l stick.StatusListener) error
	RemoveStatusListener(channel int, l stick.StatusListener)
	OnConnectionEstablished(fn func())
	OnConnectionDropped(fn func(error))
}

// ChannelConfig names one channel.
type ChannelConfig struct {
	ID   int
	Name string
}

// GroupConfig names a set of channels that are driven together.
type GroupConfig struct {
	Name     string
	Channels []int
}

// Config holds coordinator configuration.
type Config struct {
	Port     string
	Channels []ChannelConfig
	Groups   []GroupConfig
}

// ChannelInfo is the coordinator's view of one channel.
type ChannelInfo struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Position   int       `json:"position"`
	Moving     bool      `json:"moving"`
	Configured bool      `json:"configured"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// GroupInfo is the coordinator's view of a group.
type GroupInfo struct {
	Name     string `json:"name"`
	Channels []int  `json:"channels"`
	Status   string `json:"status"`
	Position int    `json:"position"`
	Moving   bool   `json:"moving"`
}

// StickInfo describes the connection to the stick.
type StickInfo struct {
	Port          string    `json:"port"`
	State         string    `json:"state"`
	Connected     bool      `json:"connected"`
	KnownChannels []int     `json:"known_channels"`
	LastConnected time.Time `json:"last_connected,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

type channelEntry struct {
	info   ChannelInfo
	status stick.ResponseStatus
	// attached is set once the listener is registered. The delivery made
	// during registration is the engine's cached status, not a reply.
	attached bool
}

type groupEntry struct {
	cfg    GroupConfig
	group  *stick.Group
	status stick.ResponseStatus
}

// Coordinator owns the stick engine, tracks channel and group status,
// persists it and publishes events.
type Coordinator struct {
	stick    Stick
	store    store.Store
	events   *EventBus
	logger   *slog.Logger
	config   Config
	listener stick.StatusListener

	mu            sync.RWMutex
	channels      map[int]*channelEntry
	groups        map[string]*groupEntry
	connected     bool
	lastConnected time.Time
	lastErr       string
	started       bool
}

// DefaultChannelName is the name given to channels without a configured name.
func DefaultChannelName(id int) string {
	return "channel_" + strconv.Itoa(id)
}

// New validates cfg and creates a Coordinator.
func New(s Stick, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) (*Coordinator, error) {
	c := &Coordinator{
		stick:    s,
		store:    st,
		events:   events,
		logger:   logger.With("component", "coordinator"),
		config:   cfg,
		channels: make(map[int]*channelEntry),
		groups:   make(map[string]*groupEntry),
	}
	c.listener = stick.ListenerFunc(c.handleStatus)

	names := make(map[string]bool)
	for _, ch := range cfg.Channels {
		if _, err := stick.NewChannelSet(ch.ID); err != nil {
			return nil, fmt.Errorf("coordinator: channel %q: %w", ch.Name, err)
		}
		if _, dup := c.channels[ch.ID]; dup {
			return nil, fmt.Errorf("coordinator: channel %d configured twice", ch.ID)
		}
		name := ch.Name
		if name == "" {
			name = DefaultChannelName(ch.ID)
		}
		if names[name] {
			return nil, fmt.Errorf("coordinator: duplicate name %q", name)
		}
		names[name] = true
		c.channels[ch.ID] = &channelEntry{
			info:   ChannelInfo{ID: ch.ID, Name: name, Configured: true},
			status: stick.StatusNoInformation,
		}
	}
	for _, g := range cfg.Groups {
		if g.Name == "" {
			return nil, fmt.Errorf("coordinator: group without name")
		}
		if names[g.Name] {
			return nil, fmt.Errorf("coordinator: duplicate name %q", g.Name)
		}
		names[g.Name] = true
		entry := &groupEntry{cfg: g, status: stick.StatusNoInformation}
		name := g.Name
		grp, err := stick.NewGroup(g.Channels, func(st stick.ResponseStatus) { c.handleGroupStatus(name, st) })
		if err != nil {
			return nil, fmt.Errorf("coordinator: group %q: %w", g.Name, err)
		}
		entry.group = grp
		entry.cfg.Channels = grp.IDs()
		c.groups[g.Name] = entry

		// Group members without their own entry still get one so they are polled.
		for _, id := range entry.cfg.Channels {
			if _, ok := c.channels[id]; ok {
				continue
			}
			name := DefaultChannelName(id)
			if names[name] {
				name = fmt.Sprintf("elero_%d", id)
			}
			names[name] = true
			c.channels[id] = &channelEntry{
				info:   ChannelInfo{ID: id, Name: name},
				status: stick.StatusNoInformation,
			}
		}
	}
	for _, e := range c.channels {
		e.info.Status = e.status.String()
		e.info.Position = e.status.Percentage()
	}
	return c, nil
}

// Start restores persisted state, registers listeners and starts the engine.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.restore()

	c.stick.OnConnectionEstablished(c.handleEstablished)
	c.stick.OnConnectionDropped(c.handleDropped)

	for _, id := range c.channelIDs() {
		if err := c.stick.AddStatusListener(id, c.listener); err != nil {
			return fmt.Errorf("coordinator: listen channel %d: %w", id, err)
		}
		c.markAttached(id)
	}
	for _, g := range c.groups {
		if err := g.group.Attach(c.stick); err != nil {
			return fmt.Errorf("coordinator: attach group %q: %w", g.cfg.Name, err)
		}
	}

	if err := c.stick.Start(); err != nil {
		return fmt.Errorf("coordinator: start stick: %w", err)
	}
	c.logger.Info("coordinator started", "channels", len(c.channels), "groups", len(c.groups))
	return nil
}

// Stop unregisters listeners and stops the engine.
func (c *Coordinator) Stop() {
	for _, id := range c.channelIDs() {
		c.stick.RemoveStatusListener(id, c.listener)
	}
	for _, g := range c.groups {
		g.group.Detach(c.stick)
	}
	c.stick.Stop()
}

// restore loads last known statuses and discovered channels from the store.
func (c *Coordinator) restore() {
	if st, err := c.store.GetStickState(); err == nil {
		c.mu.Lock()
		c.lastConnected = st.LastConnected
		c.mu.Unlock()
	}

	records, err := c.store.ListChannels()
	if err != nil {
		c.logger.Error("load channels", "err", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		status, err := stick.ParseResponseStatus(rec.Status)
		if err != nil {
			status = stick.StatusNoInformation
		}
		e, ok := c.channels[rec.ID]
		if !ok {
			if rec.ID < 1 || rec.ID > stick.MaxChannel {
				continue
			}
			name := rec.Name
			if name == "" || c.nameTakenLocked(name) {
				name = DefaultChannelName(rec.ID)
			}
			e = &channelEntry{info: ChannelInfo{ID: rec.ID, Name: name}}
			c.channels[rec.ID] = e
		}
		e.status = status
		e.info.Status = status.String()
		e.info.Position = status.Percentage()
		e.info.Moving = status.IsMoving()
		e.info.UpdatedAt = rec.UpdatedAt
	}
}

func (c *Coordinator) nameTakenLocked(name string) bool {
	if _, ok := c.groups[name]; ok {
		return true
	}
	for _, e := range c.channels {
		if e.info.Name == name {
			return true
		}
	}
	return false
}

func (c *Coordinator) handleEstablished() {
	ids, _ := c.stick.KnownChannelIDs()
	now := time.Now()

	c.mu.Lock()
	c.connected = true
	c.lastConnected = now
	c.lastErr = ""
	var added []int
	for _, id := range ids {
		if _, ok := c.channels[id]; ok {
			continue
		}
		name := DefaultChannelName(id)
		if c.nameTakenLocked(name) {
			name = fmt.Sprintf("elero_%d", id)
		}
		c.channels[id] = &channelEntry{
			info:   ChannelInfo{ID: id, Name: name, Status: stick.StatusNoInformation.String(), Position: -1},
			status: stick.StatusNoInformation,
		}
		added = append(added, id)
	}
	c.mu.Unlock()

	if err := c.store.SaveStickState(&store.StickState{
		Port:          c.config.Port,
		KnownChannels: ids,
		LastConnected: now,
	}); err != nil {
		c.logger.Error("save stick state", "err", err)
	}

	for _, id := range added {
		if err := c.stick.AddStatusListener(id, c.listener); err != nil {
			c.logger.Warn("listen discovered channel", "channel", id, "err", err)
			continue
		}
		c.markAttached(id)
		c.logger.Info("channel discovered", "channel", id)
		c.events.Emit(Event{Type: EventChannelDiscovered, Data: c.mustChannel(id)})
	}
	c.events.Emit(Event{Type: EventConnection, Data: ConnectionEvent{
		Connected:     true,
		Port:          c.config.Port,
		KnownChannels: ids,
	}})
}

func (c *Coordinator) handleDropped(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	if err != nil {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()

	if wasConnected {
		if serr := c.store.UpdateStickState(func(st *store.StickState) {
			st.LastDisconnected = time.Now()
			st.LastError = c.lastError()
		}); serr != nil {
			c.logger.Error("save stick state", "err", serr)
		}
	}
	c.events.Emit(Event{Type: EventConnection, Data: ConnectionEvent{
		Connected: false,
		Port:      c.config.Port,
		Error:     c.lastError(),
	}})
}

func (c *Coordinator) lastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Coordinator) markAttached(id int) {
	c.mu.Lock()
	if e, ok := c.channels[id]; ok {
		e.attached = true
	}
	c.mu.Unlock()
}

// handleStatus is the listener registered on every channel.
func (c *Coordinator) handleStatus(id int, status stick.ResponseStatus) {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.channels[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	// The registration delivery must not hide a status restored from disk.
	if !e.attached && status == stick.StatusNoInformation {
		c.mu.Unlock()
		return
	}
	e.status = status
	e.info.Status = status.String()
	e.info.Position = status.Percentage()
	e.info.Moving = status.IsMoving()
	e.info.UpdatedAt = now
	name := e.info.Name
	c.mu.Unlock()

	if err := c.store.UpdateChannel(id, func(ch *store.Channel) error {
		ch.Name = name
		ch.Status = status.String()
		ch.Position = status.Percentage()
		ch.UpdatedAt = now
		ch.LastSeen = now
		return nil
	}); err != nil {
		c.logger.Error("persist channel status", "channel", id, "err", err)
	}

	c.events.Emit(Event{Type: EventStatus, Data: StatusEvent{
		Channel:  id,
		Name:     name,
		Status:   status.String(),
		Position: status.Percentage(),
		Moving:   status.IsMoving(),
	}})
}

func (c *Coordinator) handleGroupStatus(name string, status stick.ResponseStatus) {
	c.mu.Lock()
	g, ok := c.groups[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	g.status = status
	ids := append([]int(nil), g.cfg.Channels...)
	c.mu.Unlock()

	c.events.Emit(Event{Type: EventGroupStatus, Data: GroupStatusEvent{
		Group:    name,
		Channels: ids,
		Status:   status.String(),
		Position: status.Percentage(),
		Moving:   status.IsMoving(),
	}})
}

// SendCommand queues cmd for one channel.
func (c *Coordinator) SendCommand(id int, cmd stick.CommandType) error {
	if err := c.stick.SendCommand(cmd, id); err != nil {
		return fmt.Errorf("send %s to channel %d: %w", cmd, id, err)
	}
	c.emitCommand([]int{id}, cmd, "", 0)
	return nil
}

// SendTimed runs cmd on one channel for d, then stops it.
func (c *Coordinator) SendTimed(id int, cmd stick.CommandType, d time.Duration) error {
	if err := c.stick.SendTimedCommand(cmd, d, id); err != nil {
		return fmt.Errorf("send timed %s to channel %d: %w", cmd, id, err)
	}
	c.emitCommand([]int{id}, cmd, "", d)
	return nil
}

// SetPosition moves a channel to one of its stop positions, given as a
// closure percentage (0, 25, 75 or 100).
func (c *Coordinator) SetPosition(id int, percent int) error {
	cmd, ok := stick.CommandForPercent(percent)
	if !ok {
		return fmt.Errorf("%w: %d%%", ErrUnsupportedPosition, percent)
	}
	return c.SendCommand(id, cmd)
}

// GroupCommand queues cmd for every channel of a group.
func (c *Coordinator) GroupCommand(name string, cmd stick.CommandType) error {
	ids, err := c.groupChannels(name)
	if err != nil {
		return err
	}
	if err := c.stick.SendCommand(cmd, ids...); err != nil {
		return fmt.Errorf("send %s to group %q: %w", cmd, name, err)
	}
	c.emitCommand(ids, cmd, name, 0)
	return nil
}

// GroupSetPosition moves every channel of a group to a stop position.
func (c *Coordinator) GroupSetPosition(name string, percent int) error {
	cmd, ok := stick.CommandForPercent(percent)
	if !ok {
		return fmt.Errorf("%w: %d%%", ErrUnsupportedPosition, percent)
	}
	return c.GroupCommand(name, cmd)
}

// Refresh requests an immediate status poll. With no ids, every known
// channel is polled.
func (c *Coordinator) Refresh(ids ...int) error {
	if len(ids) == 0 {
		ids = c.channelIDs()
	}
	if len(ids) == 0 {
		return nil
	}
	return c.stick.RequestUpdate(ids...)
}

func (c *Coordinator) emitCommand(ids []int, cmd stick.CommandType, group string, d time.Duration) {
	ev := CommandEvent{Channels: ids, Command: cmd.String(), Group: group}
	if d > 0 {
		ev.Duration = d.String()
	}
	c.events.Emit(Event{Type: EventCommand, Data: ev})
}

func (c *Coordinator) groupChannels(name string) ([]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, name)
	}
	return append([]int(nil), g.cfg.Channels...), nil
}

// Resolve maps a target to channel ids. A target is a channel number, a
// channel name or a group name.
func (c *Coordinator) Resolve(target string) ([]int, error) {
	target = strings.TrimSpace(target)
	if id, err := strconv.Atoi(target); err == nil {
		if _, ok := c.Channel(id); !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
		}
		return []int{id}, nil
	}
	if id, ok := c.ChannelByName(target); ok {
		return []int{id}, nil
	}
	if ids, err := c.groupChannels(target); err == nil {
		return ids, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, target)
}

// ChannelByName returns the id of the channel with the given name.
func (c *Coordinator) ChannelByName(name string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, e := range c.channels {
		if e.info.Name == name {
			return id, true
		}
	}
	return 0, false
}

// Channel returns the view of one channel.
func (c *Coordinator) Channel(id int) (ChannelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.channels[id]
	if !ok {
		return ChannelInfo{}, false
	}
	return e.info, true
}

func (c *Coordinator) mustChannel(id int) ChannelInfo {
	info, _ := c.Channel(id)
	return info
}

// Status returns the last known status of a channel.
func (c *Coordinator) Status(id int) (stick.ResponseStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.channels[id]
	if !ok {
		return stick.StatusNoInformation, false
	}
	return e.status, true
}

// Channels returns all configured and discovered channels ordered by id.
func (c *Coordinator) Channels() []ChannelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(c.channels))
	for _, e := range c.channels {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Coordinator) channelIDs() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Groups returns all groups ordered by name.
func (c *Coordinator) Groups() []GroupInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]GroupInfo, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, GroupInfo{
			Name:     g.cfg.Name,
			Channels: append([]int(nil), g.cfg.Channels...),
			Status:   g.status.String(),
			Position: g.status.Percentage(),
			Moving:   g.status.IsMoving(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Group returns the view of one group.
func (c *Coordinator) Group(name string) (GroupInfo, bool) {
	for _, g := range c.Groups() {
		if g.Name == name {
			return g, true
		}
	}
	return GroupInfo{}, false
}

// StickInfo describes the connection state.
func (c *Coordinator) StickInfo() StickInfo {
	known, _ := c.stick.KnownChannelIDs()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return StickInfo{
		Port:          c.config.Port,
		State:         c.stick.State().String(),
		Connected:     c.connected,
		KnownChannels: known,
		LastConnected: c.lastConnected,
		LastError:     c.lastErr,
	}
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}
