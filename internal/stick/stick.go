// Package stick drives an Elero transmitter stick. It encodes the stick's
// request/response protocol, schedules commands by priority and due time on a
// single worker goroutine, reconnects when the link drops, and reports channel
// status changes to listeners.
package stick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the connection state of the engine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateDiscovering
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateRunning:
		return "running"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Defaults for Config fields left zero.
const (
	DefaultUpdateInterval = 5 * time.Minute
	DefaultFastPollDelay  = 2 * time.Second
	DefaultReconnectDelay = 2 * time.Second
)

// Config configures an Engine.
type Config struct {
	// Port is a serial device path, or tcp://host:port for a network bridge.
	Port string
	Baud int
	// UpdateInterval is the routine poll period for channels at rest.
	UpdateInterval time.Duration
	// FastPollDelay is how soon a moving channel is polled again.
	FastPollDelay  time.Duration
	ReconnectDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.Baud <= 0 {
		c.Baud = DefaultBaud
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = DefaultUpdateInterval
	}
	if c.FastPollDelay <= 0 {
		c.FastPollDelay = DefaultFastPollDelay
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
}

// Option configures optional Engine behaviour.
type Option func(*Engine)

// WithMetrics records engine activity in m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPortOpener replaces the function used to open the port.
func WithPortOpener(open PortOpener) Option {
	return func(e *Engine) { e.conn.open = open }
}

var errTerminated = errors.New("stick: engine stopped")

// Engine owns the connection to one stick and serves queued commands.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	conn     *Conn
	queue    *commandQueue
	channels channelTable
	state    atomic.Int32

	mu            sync.Mutex
	known         ChannelSet
	discovered    bool
	onEstablished []func()
	onDropped     []func(error)

	lifecycleMu sync.Mutex
	started     bool
	terminated  atomic.Bool
	done        chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates an engine. Start must be called to connect.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	cfg.applyDefaults()
	logger = logger.With("component", "stick")
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		conn:   NewConn(cfg.Port, cfg.Baud, logger),
		queue:  newCommandQueue(),
		done:   make(chan struct{}),
	}
	e.channels.logger = logger
	for _, o := range opts {
		o(e)
	}
	e.conn.onInvalid = e.metrics.protocolError
	return e
}

// Start launches the worker goroutine. It returns immediately; connecting
// and discovery happen in the background.
func (e *Engine) Start() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.terminated.Load() {
		return errTerminated
	}
	if e.started {
		return nil
	}
	if e.cfg.Port == "" {
		return fmt.Errorf("stick: no port configured")
	}
	e.started = true

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.run(ctx)
	return nil
}

// Stop terminates the worker, closes the connection and drops all
// listeners. Commands still queued are discarded.
func (e *Engine) Stop() {
	e.lifecycleMu.Lock()
	if e.terminated.Swap(true) {
		e.lifecycleMu.Unlock()
		return
	}
	close(e.done)
	if e.cancel != nil {
		e.cancel()
	}
	e.lifecycleMu.Unlock()

	e.queue.push(&command{typ: CommandNone, priority: PriorityTimed})
	if err := e.conn.Close(); err != nil {
		e.logger.Debug("close stick port", "err", err)
	}
	e.wg.Wait()
	e.channels.clear()
	e.setState(StateDisconnected)
	e.logger.Info("stick engine stopped")
}

// State returns the current connection state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	if State(e.state.Swap(int32(s))) != s {
		e.logger.Debug("stick state", "state", s.String())
	}
	e.metrics.setState(s)
}

// KnownChannelIDs returns the channels learned from the stick. ok is false
// until the first discovery has completed.
func (e *Engine) KnownChannelIDs() (ids []int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.known.IDs(), e.discovered
}

// OnConnectionEstablished registers fn to run after each successful discovery.
func (e *Engine) OnConnectionEstablished(fn func()) {
	e.mu.Lock()
	e.onEstablished = append(e.onEstablished, fn)
	e.mu.Unlock()
}

// OnConnectionDropped registers fn to run when opening fails or the link is lost.
func (e *Engine) OnConnectionDropped(fn func(error)) {
	e.mu.Lock()
	e.onDropped = append(e.onDropped, fn)
	e.mu.Unlock()
}

// SendCommand queues a motion command for the given channels.
func (e *Engine) SendCommand(cmd CommandType, ids ...int) error {
	if !cmd.IsMotion() {
		return fmt.Errorf("%w: %s", ErrInvalidCommand, cmd)
	}
	cs, err := NewChannelSet(ids...)
	if err != nil {
		return err
	}
	e.enqueue(&command{typ: cmd, channels: cs, priority: PriorityCommand, due: time.Now()})
	return nil
}

// SendTimedCommand queues cmd and a STOP for the same channels d later.
func (e *Engine) SendTimedCommand(cmd CommandType, d time.Duration, ids ...int) error {
	if !cmd.IsMotion() || cmd == CommandStop {
		return fmt.Errorf("%w: timed %s", ErrInvalidCommand, cmd)
	}
	if d <= 0 {
		return fmt.Errorf("%w: duration %s", ErrInvalidCommand, d)
	}
	cs, err := NewChannelSet(ids...)
	if err != nil {
		return err
	}
	e.enqueue(&command{typ: cmd, channels: cs, priority: PriorityCommand, due: time.Now(), duration: d})
	return nil
}

// RequestUpdate queues an immediate status poll for the given channels.
func (e *Engine) RequestUpdate(ids ...int) error {
	cs, err := NewChannelSet(ids...)
	if err != nil {
		return err
	}
	e.enqueue(&command{typ: CommandInfo, channels: cs, priority: PriorityFastInfo, due: time.Now()})
	return nil
}

// AddStatusListener registers l for channel and immediately delivers the
// channel's last known status to it.
func (e *Engine) AddStatusListener(channel int, l StatusListener) error {
	if channel < 1 || channel > MaxChannel {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	e.channels.add(channel, l)
	return nil
}

// RemoveStatusListener unregisters l from channel.
func (e *Engine) RemoveStatusListener(channel int, l StatusListener) {
	if channel < 1 || channel > MaxChannel {
		return
	}
	e.channels.remove(channel, l)
}

// HasListeners reports whether any listener is registered for channel.
func (e *Engine) HasListeners(channel int) bool {
	return e.channels.hasListeners(channel)
}

// Status returns the last known status of channel.
func (e *Engine) Status(channel int) ResponseStatus {
	return e.channels.status(channel)
}

// QueueLength returns the number of queued commands.
func (e *Engine) QueueLength() int {
	return e.queue.len()
}

func (e *Engine) enqueue(c *command) {
	if e.terminated.Load() {
		return
	}
	if !e.queue.push(c) {
		e.logger.Debug("command coalesced away", "cmd", c.typ.String(), "channels", c.channels.String(), "priority", c.priority.String())
	}
	e.metrics.setQueueLength(e.queue.len())
}

func (e *Engine) fireEstablished() {
	e.mu.Lock()
	handlers := append([]func(){}, e.onEstablished...)
	e.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (e *Engine) fireDropped(err error) {
	e.mu.Lock()
	handlers := append([]func(error){}, e.onDropped...)
	e.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

// sleep waits for d or until the engine stops; it reports whether to go on.
func (e *Engine) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	for !e.terminated.Load() {
		e.setState(StateConnecting)
		if err := e.conn.Open(); err != nil {
			e.setState(StateDisconnected)
			if e.terminated.Load() {
				return
			}
			e.logger.Warn("stick connect failed", "port", e.cfg.Port, "err", err, "retry_in", e.cfg.ReconnectDelay)
			e.metrics.reconnect()
			e.fireDropped(err)
			if !e.sleep(e.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		err := e.session(ctx)
		if cerr := e.conn.Close(); cerr != nil {
			e.logger.Debug("close stick port", "err", cerr)
		}
		e.setState(StateDisconnected)
		if e.terminated.Load() {
			return
		}
		e.logger.Warn("stick connection lost", "port", e.cfg.Port, "err", err)
		e.metrics.reconnect()
		e.fireDropped(err)
		if !e.sleep(e.cfg.ReconnectDelay) {
			return
		}
	}
}

// session runs discovery and then serves the queue until an I/O error.
func (e *Engine) session(ctx context.Context) error {
	e.setState(StateDiscovering)
	if err := e.discover(ctx); err != nil {
		return err
	}
	e.setState(StateRunning)
	e.logger.Info("stick connected", "port", e.cfg.Port)
	e.fireEstablished()
	return e.serve(ctx)
}

// discover sends CHECK until the stick confirms, then schedules a fast
// poll of every known channel.
func (e *Engine) discover(ctx context.Context) error {
	for {
		if e.terminated.Load() {
			return errTerminated
		}
		resp, err := e.conn.Send(ctx, EncodePacket(CommandCheck, 0))
		if errors.Is(err, ErrNoResponse) {
			e.metrics.transaction(CommandCheck, "timeout")
			e.logger.Debug("no reply to CHECK, retrying")
			continue
		}
		if err != nil {
			e.metrics.transaction(CommandCheck, "error")
			return err
		}
		e.metrics.transaction(CommandCheck, "ok")
		if resp.Kind != ResponseConfirm {
			e.logger.Debug("unexpected reply to CHECK", "response", resp.String())
			continue
		}

		e.mu.Lock()
		if !e.discovered {
			e.known = resp.Channels
			e.discovered = true
			e.logger.Info("stick channels discovered", "channels", resp.Channels.String())
		}
		known := e.known
		e.mu.Unlock()

		now := time.Now()
		for _, id := range known.IDs() {
			e.enqueue(&command{typ: CommandInfo, channels: 1 << (id - 1), priority: PriorityFastInfo, due: now})
		}
		return nil
	}
}

func (e *Engine) serve(ctx context.Context) error {
	sweep := time.NewTicker(e.cfg.UpdateInterval)
	defer sweep.Stop()

	for {
		if e.terminated.Load() {
			return errTerminated
		}
		select {
		case <-sweep.C:
			e.sweep()
		default:
		}

		cmd, wait := e.queue.pop(time.Now())
		e.metrics.setQueueLength(e.queue.len())
		if cmd == nil {
			e.idle(wait, sweep.C)
			continue
		}
		if e.terminated.Load() {
			return errTerminated
		}
		if cmd.typ == CommandNone {
			continue
		}
		if err := e.execute(ctx, cmd); err != nil {
			if e.queue.requeue(cmd) {
				e.logger.Debug("command requeued", "cmd", cmd.typ.String(), "channels", cmd.channels.String())
			}
			return err
		}
	}
}

// idle blocks until a command is pushed, the earliest command becomes due,
// the sweep ticker fires or the engine stops.
func (e *Engine) idle(wait time.Duration, sweepC <-chan time.Time) {
	var timerC <-chan time.Time
	if wait >= 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timerC = t.C
	}
	select {
	case <-e.queue.wake:
	case <-timerC:
	case <-sweepC:
		e.sweep()
	case <-e.done:
	}
}

// sweep schedules a routine poll for every channel with listeners that has
// nothing queued.
func (e *Engine) sweep() {
	now := time.Now()
	for id := 1; id <= MaxChannel; id++ {
		if !e.channels.hasListeners(id) || e.queue.covers(id) {
			continue
		}
		e.enqueue(&command{typ: CommandInfo, channels: 1 << (id - 1), priority: PriorityInfo, due: now})
	}
}

// execute sends cmd one channel at a time. The returned error is always an
// I/O failure; unanswered requests are logged and skipped. On failure cmd is
// trimmed to the channels that were not served yet.
func (e *Engine) execute(ctx context.Context, cmd *command) error {
	var served ChannelSet
	for _, id := range cmd.channels.IDs() {
		if e.terminated.Load() {
			return nil
		}
		resp, err := e.conn.Send(ctx, EncodePacket(cmd.typ, 1<<(id-1)))
		if errors.Is(err, ErrNoResponse) {
			e.metrics.transaction(cmd.typ, "timeout")
			e.logger.Warn("no reply from stick", "cmd", cmd.typ.String(), "channel", id)
			served |= 1 << (id - 1)
			e.followUpTimeout(cmd, id)
			continue
		}
		if err != nil {
			e.metrics.transaction(cmd.typ, "error")
			e.scheduleStop(cmd, served)
			cmd.channels &^= served
			return fmt.Errorf("stick: %s channel %d: %w", cmd.typ, id, err)
		}
		e.metrics.transaction(cmd.typ, "ok")
		served |= 1 << (id - 1)
		e.handleResponse(cmd, id, resp)
	}

	e.scheduleStop(cmd, cmd.channels)
	return nil
}

// scheduleStop queues the STOP that ends a timed command on channels.
func (e *Engine) scheduleStop(cmd *command, channels ChannelSet) {
	if cmd.duration <= 0 || channels == 0 {
		return
	}
	e.enqueue(&command{
		typ:      CommandStop,
		channels: channels,
		priority: PriorityTimed,
		due:      time.Now().Add(cmd.duration),
	})
}

// followUpTimeout treats an unanswered request like a reply that is neither
// moving nor timed: an INFO is polled again after the update interval.
func (e *Engine) followUpTimeout(cmd *command, id int) {
	if cmd.typ != CommandInfo || cmd.duration > 0 {
		return
	}
	e.enqueue(&command{typ: CommandInfo, channels: 1 << (id - 1), priority: PriorityInfo, due: time.Now().Add(e.cfg.UpdateInterval)})
}

func (e *Engine) handleResponse(cmd *command, id int, resp *Response) {
	if resp.HasStatus() {
		ids := resp.Channels.IDs()
		if len(ids) == 0 {
			ids = []int{id}
		}
		for _, ch := range ids {
			if e.channels.notify(ch, resp.Status) {
				e.metrics.setStatus(ch, resp.Status)
				e.logger.Info("channel status", "channel", ch, "status", resp.Status.String())
			}
		}
	}

	now := time.Now()
	switch {
	case cmd.duration > 0:
	case resp.HasStatus() && resp.Status.IsMoving():
		e.enqueue(&command{typ: CommandInfo, channels: 1 << (id - 1), priority: PriorityFastInfo, due: now.Add(e.cfg.FastPollDelay)})
	case cmd.typ == CommandInfo:
		e.enqueue(&command{typ: CommandInfo, channels: 1 << (id - 1), priority: PriorityInfo, due: now.Add(e.cfg.UpdateInterval)})
	}
}
