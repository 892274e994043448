//go:build !no_mqtt

package mqtt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"elero-go-home/internal/coordinator"
	"elero-go-home/internal/stick"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// Controller is the part of the coordinator the bridge uses.
type Controller interface {
	Channels() []coordinator.ChannelInfo
	Groups() []coordinator.GroupInfo
	Events() *coordinator.EventBus
	SendCommand(id int, cmd stick.CommandType) error
	SetPosition(id int, percent int) error
	GroupCommand(name string, cmd stick.CommandType) error
	GroupSetPosition(name string, percent int) error
}

var errUnknownCover = errors.New("unknown cover")

// Bridge connects the coordinator to MQTT with HA autodiscovery.
type Bridge struct {
	client    pahomqtt.Client
	coord     Controller
	prefix    string
	discovery string
	logger    *slog.Logger
	unsub     func()

	// publish is replaced in tests.
	publish func(topic string, payload []byte, retained bool)
}

func newBridge(coord Controller, cfg Config, logger *slog.Logger) *Bridge {
	b := &Bridge{
		coord:     coord,
		prefix:    cfg.TopicPrefix,
		discovery: cfg.DiscoveryPrefix,
		logger:    logger.With("component", "mqtt"),
	}
	if b.prefix == "" {
		b.prefix = "elero"
	}
	if b.discovery == "" {
		b.discovery = "homeassistant"
	}
	b.publish = b.mqttPublish
	return b
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg, logger)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "elero-go-home"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.bridgeTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
			if err := b.subscribeCommands(); err != nil {
				b.logger.Error("MQTT subscribe failed", "err", err)
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Unsubscribe(b.prefix + "/+/set")
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventStatus:
		ev, ok := event.Data.(coordinator.StatusEvent)
		if !ok {
			return
		}
		b.publishState(ev.Name, ev.Status, ev.Position, ev.Moving)
	case coordinator.EventGroupStatus:
		ev, ok := event.Data.(coordinator.GroupStatusEvent)
		if !ok {
			return
		}
		b.publishState(ev.Group, ev.Status, ev.Position, ev.Moving)
	case coordinator.EventChannelDiscovered:
		info, ok := event.Data.(coordinator.ChannelInfo)
		if !ok {
			return
		}
		msg := buildChannelDiscovery(info, b.prefix, b.discovery)
		b.publish(msg.Topic, msg.Payload, true)
		b.publishState(info.Name, info.Status, info.Position, info.Moving)
	case coordinator.EventConnection:
		b.publish(b.prefix+"/bridge/stick", mustJSON(event.Data), true)
	}
}

func (b *Bridge) bridgeTopic() string {
	return b.prefix + "/bridge/state"
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.bridgeTopic(), []byte(state), true)
}

// publishAll sends discovery and the current state of every channel and group.
func (b *Bridge) publishAll() {
	for _, ch := range b.coord.Channels() {
		msg := buildChannelDiscovery(ch, b.prefix, b.discovery)
		b.publish(msg.Topic, msg.Payload, true)
		b.publishState(ch.Name, ch.Status, ch.Position, ch.Moving)
	}
	for _, g := range b.coord.Groups() {
		msg := buildGroupDiscovery(g, b.prefix, b.discovery)
		b.publish(msg.Topic, msg.Payload, true)
		b.publishState(g.Name, g.Status, g.Position, g.Moving)
	}
	b.logger.Info("published HA discovery")
}

// coverState is the JSON published on a cover's state topic.
type coverState struct {
	State    string `json:"state"`
	Status   string `json:"status"`
	Position *int   `json:"position,omitempty"`
	Moving   bool   `json:"moving"`
}

func newCoverState(status string, percentage int, moving bool) coverState {
	st := coverState{Status: status, Moving: moving, State: haState(status)}
	if percentage >= 0 {
		open := 100 - percentage
		st.Position = &open
	}
	return st
}

func (b *Bridge) publishState(name, status string, percentage int, moving bool) {
	topic := b.prefix + "/" + topicName(name)
	b.publish(topic, mustJSON(newCoverState(status, percentage, moving)), true)
}

// subscribeCommands subscribes to <prefix>/+/set and waits for the broker.
func (b *Bridge) subscribeCommands() error {
	topic := b.prefix + "/+/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSet(msg.Topic(), msg.Payload())
	})
	if err := waitToken(token, tokenTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// handleSet handles a message on <prefix>/<name>/set.
func (b *Bridge) handleSet(topic string, payload []byte) {
	name := strings.TrimSuffix(strings.TrimPrefix(topic, b.prefix+"/"), "/set")
	cmd, err := parseCoverCommand(payload)
	if err != nil {
		b.logger.Warn("invalid cover command", "topic", topic, "payload", string(payload), "err", err)
		return
	}
	if err := b.apply(name, cmd); err != nil {
		b.logger.Warn("cover command failed", "topic", topic, "err", err)
	}
}

func (b *Bridge) apply(name string, cmd coverCommand) error {
	for _, ch := range b.coord.Channels() {
		if topicName(ch.Name) != name {
			continue
		}
		if cmd.hasPosition {
			return b.coord.SetPosition(ch.ID, cmd.percent)
		}
		return b.coord.SendCommand(ch.ID, cmd.cmd)
	}
	for _, g := range b.coord.Groups() {
		if topicName(g.Name) != name {
			continue
		}
		if cmd.hasPosition {
			return b.coord.GroupSetPosition(g.Name, cmd.percent)
		}
		return b.coord.GroupCommand(g.Name, cmd.cmd)
	}
	return fmt.Errorf("%w: %q", errUnknownCover, name)
}

// coverCommand is a parsed set-topic payload.
type coverCommand struct {
	cmd         stick.CommandType
	percent     int
	hasPosition bool
}

var payloadCommands = map[string]stick.CommandType{
	"OPEN":         stick.CommandUp,
	"UP":           stick.CommandUp,
	"CLOSE":        stick.CommandDown,
	"DOWN":         stick.CommandDown,
	"STOP":         stick.CommandStop,
	"INTERMEDIATE": stick.CommandIntermediate,
	"VENTILATION":  stick.CommandVentilation,
}

// parseCoverCommand accepts a bare command word or {"position": N} where N
// is the HA open percentage. Positions snap to the nearest stop position.
func parseCoverCommand(payload []byte) (coverCommand, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '{' {
		var req struct {
			Position *int `json:"position"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return coverCommand{}, err
		}
		if req.Position == nil {
			return coverCommand{}, fmt.Errorf("missing position")
		}
		if *req.Position < 0 || *req.Position > 100 {
			return coverCommand{}, fmt.Errorf("position %d out of range", *req.Position)
		}
		return coverCommand{percent: nearestStop(100 - *req.Position), hasPosition: true}, nil
	}
	cmd, ok := payloadCommands[strings.ToUpper(string(payload))]
	if !ok {
		return coverCommand{}, fmt.Errorf("unknown command %q", payload)
	}
	return coverCommand{cmd: cmd}, nil
}

// nearestStop returns the closure percentage of the stop position closest to p.
func nearestStop(p int) int {
	best := 0
	for _, stop := range []int{0, 25, 75, 100} {
		if abs(stop-p) < abs(best-p) {
			best = stop
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// haState maps a status name to the HA cover state vocabulary.
func haState(status string) string {
	st, err := stick.ParseResponseStatus(status)
	if err != nil {
		return "None"
	}
	switch st {
	case stick.StatusTop:
		return "open"
	case stick.StatusBottom:
		return "closed"
	case stick.StatusStartMoveUp, stick.StatusMovingUp:
		return "opening"
	case stick.StatusStartMoveDown, stick.StatusMovingDown:
		return "closing"
	case stick.StatusNoInformation:
		return "None"
	}
	return "stopped"
}

func (b *Bridge) mqttPublish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if err := waitToken(token, tokenTimeout); err != nil {
			b.logger.Warn("MQTT publish failed", "topic", topic, "err", err)
		}
	}()
}

const tokenTimeout = 5 * time.Second

var errTokenTimeout = errors.New("timed out waiting for broker")

func waitToken(token pahomqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return errTokenTimeout
	}
	return token.Error()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
