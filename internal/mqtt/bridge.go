//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"udk-dimmer-home/internal/hub"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge publishes dimmer channel state to MQTT with HA autodiscovery and
// accepts light commands back.
type Bridge struct {
	client pahomqtt.Client
	hub    *hub.Hub
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(h *hub.Hub, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		hub:    h,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("udk-dimmer-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.publishAllStates()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to hub events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.hub.Events().On(hub.EventStateChanged, b.handleStateChange)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleStateChange(event hub.Event) {
	data, ok := event.Data.(hub.StateChangeData)
	if !ok {
		return
	}
	topic := stateTopic(b.prefix, data.Module, data.Channel)
	b.publish(topic, statePayload(data.Level, data.On), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	for _, info := range b.hub.Modules() {
		for _, msg := range buildDiscovery(info, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("published HA discovery", "module", info.Name, "channels", len(info.Channels))
	}
}

// publishAllStates pushes the cached state of every output so HA has a
// value right after (re)connect.
func (b *Bridge) publishAllStates() {
	for _, info := range b.hub.Modules() {
		for _, ch := range info.Channels {
			topic := stateTopic(b.prefix, info.Name, ch.Channel)
			b.publish(topic, statePayload(ch.Level, ch.On), true)
		}
	}
}

func (b *Bridge) subscribeCommands() {
	for _, info := range b.hub.Modules() {
		for _, ch := range info.Channels {
			module, channel := info.Name, ch.Channel
			topic := commandTopic(b.prefix, module, channel)
			b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
				b.handleCommand(module, channel, msg.Payload())
			})
		}
	}
}

func (b *Bridge) handleCommand(module string, channel uint8, payload []byte) {
	var cmd lightCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "module", module, "channel", channel, "err", err)
		return
	}

	fade := time.Duration(0)
	if cmd.Transition != nil && *cmd.Transition > 0 {
		fade = time.Duration(*cmd.Transition * float64(time.Second))
	}

	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()

	switch strings.ToUpper(cmd.State) {
	case "OFF":
		if err := b.hub.TurnOff(ctx, module, channel, fade); err != nil {
			b.logger.Warn("off command failed", "module", module, "channel", channel, "err", err)
		}
	case "ON", "":
		level := b.targetLevel(module, channel, cmd.Brightness)
		if err := b.hub.SetLevel(ctx, module, channel, level, fade); err != nil {
			b.logger.Warn("set command failed", "module", module, "channel", channel, "err", err)
		}
	}
}

// targetLevel resolves the level an ON command should drive to. Without an
// explicit brightness, the last non-zero level is restored, defaulting to
// full brightness for a channel that has never been on.
func (b *Bridge) targetLevel(module string, channel uint8, brightness *uint8) uint8 {
	if brightness != nil {
		return *brightness
	}
	st, err := b.hub.ChannelState(module, channel)
	if err == nil && st.Level > 0 {
		return st.Level
	}
	return 255
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
