package mqttbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cepro/solisgateway/service"
	"github.com/cepro/solisgateway/telemetry"
)

const (
	qos            = 1
	connectTimeout = 30 * time.Second
	publishTimeout = 5 * time.Second
	quiesceMillis  = 250
)

const (
	CommandWriteHoldingRegister = "write_holding_register"
	CommandSetTime              = "set_time"
	CommandSetWorkModeBit       = "set_work_mode_bit"
	CommandSetEnabled           = "set_enabled"
)

var ErrUnknownCommand = errors.New("unknown command")

type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

// Bridge publishes every change event to the broker and routes command messages to the service surface.
type Bridge struct {
	config Config
	svc    *service.Service
	store  *telemetry.Store
	client mqtt.Client
	logger *slog.Logger
}

// New returns a Bridge. The broker is not contacted until Run is called.
func New(config Config, svc *service.Service, store *telemetry.Store) *Bridge {
	b := &Bridge{
		config: config,
		svc:    svc,
		store:  store,
		logger: slog.Default().With("component", "mqtt", "broker", config.Broker),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		b.logger.Info("Connected to broker")
		b.subscribe(client)
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		b.logger.Warn("Lost connection to broker", "error", err)
	})
	b.client = mqtt.NewClient(opts)

	return b
}

// Run connects to the broker and forwards events until ctx is done. The first connection is retried until it succeeds.
func (b *Bridge) Run(ctx context.Context) error {
	token := b.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}

	unsubscribe := b.store.Subscribe(b.publish)
	defer unsubscribe()

	<-ctx.Done()
	b.client.Disconnect(quiesceMillis)
	b.logger.Info("Disconnected from broker")
	return nil
}

func (b *Bridge) subscribe(client mqtt.Client) {
	for _, command := range []string{CommandWriteHoldingRegister, CommandSetTime, CommandSetWorkModeBit, CommandSetEnabled} {
		topic := b.commandTopic(command)
		token := client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
			if err := b.handleCommand(msg.Topic(), msg.Payload()); err != nil {
				b.logger.Warn("Rejected command", "topic", msg.Topic(), "error", err)
			}
		})
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			b.logger.Error("Failed to subscribe", "topic", topic, "error", token.Error())
		}
	}
}

// publish is called synchronously by the store, so it must not block on the broker for long.
func (b *Bridge) publish(ev telemetry.ChangeEvent) {
	if !b.client.IsConnectionOpen() {
		return
	}
	topic := eventTopic(b.config.TopicPrefix, ev)
	token := b.client.Publish(topic, qos, true, eventPayload(ev.Value))
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("Timed out publishing event", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Warn("Failed to publish event", "topic", topic, "error", err)
		}
	}()
}

func (b *Bridge) commandTopic(command string) string {
	return b.config.TopicPrefix + "/command/" + command
}

// handleCommand decodes a command payload and passes it to the service.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	command := strings.TrimPrefix(topic, b.config.TopicPrefix+"/command/")

	var (
		n   int
		err error
	)
	switch command {
	case CommandWriteHoldingRegister:
		var req service.WriteHoldingRegisterRequest
		if err = decode(payload, &req); err == nil {
			n, err = b.svc.WriteHoldingRegister(req)
		}
	case CommandSetTime:
		var req service.SetTimeRequest
		if err = decode(payload, &req); err == nil {
			n, err = b.svc.SetTime(req)
		}
	case CommandSetWorkModeBit:
		var req service.SetWorkModeBitRequest
		if err = decode(payload, &req); err == nil {
			n, err = b.svc.SetWorkModeBit(req)
		}
	case CommandSetEnabled:
		var req service.SetEnabledRequest
		if err = decode(payload, &req); err == nil {
			n, err = b.svc.SetEnabled(req)
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownCommand, topic)
	}
	if err != nil {
		return err
	}

	b.logger.Info("Handled command", "command", command, "controllers", n)
	return nil
}

func decode(payload []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// eventTopic returns <prefix>/<link>/<device>/<register>. Path separators and colons in the link id are replaced so
// that the link is a single topic level.
func eventTopic(prefix string, ev telemetry.ChangeEvent) string {
	link := strings.NewReplacer("/", "_", ":", "_").Replace(ev.LinkID)
	return fmt.Sprintf("%s/%s/%d/%d", prefix, link, ev.DeviceID, ev.Register)
}

func eventPayload(value interface{}) string {
	switch v := value.(type) {
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}
