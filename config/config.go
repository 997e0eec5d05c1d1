package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/cepro/solisgateway/inverter"
	"github.com/cepro/solisgateway/modbus"
	"github.com/cepro/solisgateway/registers"
)

const (
	DefaultLogLevel    = "info"
	DefaultListen      = ":8080"
	DefaultClientID    = "solisgateway"
	DefaultTopicPrefix = "solis"
)

// ConfigError describes one invalid option.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Option, e.Reason)
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

type Config struct {
	LogLevel string      `yaml:"log_level"`
	HTTP     HTTPConfig  `yaml:"http"`
	MQTT     *MQTTConfig `yaml:"mqtt"`

	// Inverters holds one option map per inverter, see ParseInverterOptions.
	Inverters []map[string]interface{} `yaml:"inverters"`
}

// InverterOptions are the options of a single configured inverter.
type InverterOptions struct {
	ConnectionType     string `mapstructure:"connection_type"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	SerialPort         string `mapstructure:"serial_port"`
	BaudRate           int    `mapstructure:"baudrate"`
	ByteSize           int    `mapstructure:"bytesize"`
	Parity             string `mapstructure:"parity"`
	StopBits           int    `mapstructure:"stopbits"`
	Slave              int    `mapstructure:"slave"`
	PollIntervalFast   int    `mapstructure:"poll_interval_fast"`
	PollIntervalNormal int    `mapstructure:"poll_interval_normal"`
	PollIntervalSlow   int    `mapstructure:"poll_interval_slow"`
	Type               string `mapstructure:"type"`
	InverterSerial     string `mapstructure:"inverter_serial"`
}

// DefaultInverterOptions returns the options an inverter entry starts from before its own values are applied.
func DefaultInverterOptions() InverterOptions {
	return InverterOptions{
		ConnectionType:     string(modbus.LinkTypeTCP),
		Port:               modbus.DefaultTCPPort,
		BaudRate:           9600,
		ByteSize:           8,
		Parity:             "N",
		StopBits:           1,
		Slave:              1,
		PollIntervalFast:   int(inverter.DefaultPollFast / time.Second),
		PollIntervalNormal: int(inverter.DefaultPollNormal / time.Second),
		PollIntervalSlow:   int(inverter.DefaultPollSlow / time.Second),
		Type:               string(registers.FamilyHybrid),
	}
}

// Read loads the config file at path and applies the top level defaults. The inverter entries are not parsed, see
// Config.InverterOptions.
func Read(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(content, &config)
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}
	if config.HTTP.Listen == "" {
		config.HTTP.Listen = DefaultListen
	}
	if config.MQTT != nil {
		if config.MQTT.ClientID == "" {
			config.MQTT.ClientID = DefaultClientID
		}
		if config.MQTT.TopicPrefix == "" {
			config.MQTT.TopicPrefix = DefaultTopicPrefix
		}
	}

	if _, err := config.Level(); err != nil {
		return Config{}, err
	}
	if config.MQTT != nil && config.MQTT.Broker == "" {
		return Config{}, &ConfigError{Option: "mqtt.broker", Reason: "required when mqtt is configured"}
	}

	return config, nil
}

// Level returns the slog level named by LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, &ConfigError{Option: "log_level", Reason: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}
	return level, nil
}

// InverterOptions parses every inverter entry. All problems across all entries are returned together.
func (c Config) InverterOptions() ([]InverterOptions, error) {
	var result *multierror.Error
	options := make([]InverterOptions, 0, len(c.Inverters))
	seen := map[string]int{}

	for i, raw := range c.Inverters {
		opts, err := ParseInverterOptions(raw)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("inverter %d: %w", i, err))
			continue
		}
		if first, ok := seen[opts.InverterSerial]; ok {
			result = multierror.Append(result, fmt.Errorf("inverter %d: %w", i, &ConfigError{
				Option: "inverter_serial",
				Reason: fmt.Sprintf("%q is already used by inverter %d", opts.InverterSerial, first),
			}))
			continue
		}
		seen[opts.InverterSerial] = i
		options = append(options, opts)
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return options, nil
}

// ParseInverterOptions decodes an option map over the defaults and validates the result. Numeric options may be given
// as strings.
func ParseInverterOptions(raw map[string]interface{}) (InverterOptions, error) {
	opts := DefaultInverterOptions()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &opts,
	})
	if err != nil {
		return InverterOptions{}, fmt.Errorf("create decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return InverterOptions{}, fmt.Errorf("decode options: %w", err)
	}

	opts.ConnectionType = strings.ToLower(opts.ConnectionType)
	opts.Parity = strings.ToUpper(opts.Parity)

	if err := opts.Validate(); err != nil {
		return InverterOptions{}, err
	}
	return opts, nil
}

// Validate checks every option and returns all of the problems found.
func (o InverterOptions) Validate() error {
	var result *multierror.Error
	invalid := func(option, reason string, args ...interface{}) {
		result = multierror.Append(result, &ConfigError{Option: option, Reason: fmt.Sprintf(reason, args...)})
	}

	switch modbus.LinkType(o.ConnectionType) {
	case modbus.LinkTypeTCP:
		if o.Host == "" {
			invalid("host", "required for tcp connections")
		}
		if o.Port < 1 || o.Port > 65535 {
			invalid("port", "%d out of range", o.Port)
		}
	case modbus.LinkTypeSerial:
		if o.SerialPort == "" {
			invalid("serial_port", "required for serial connections")
		}
		if o.BaudRate <= 0 {
			invalid("baudrate", "%d must be positive", o.BaudRate)
		}
		if o.ByteSize != 7 && o.ByteSize != 8 {
			invalid("bytesize", "%d is not 7 or 8", o.ByteSize)
		}
		if o.Parity != "N" && o.Parity != "E" && o.Parity != "O" {
			invalid("parity", "%q is not N, E or O", o.Parity)
		}
		if o.StopBits != 1 && o.StopBits != 2 {
			invalid("stopbits", "%d is not 1 or 2", o.StopBits)
		}
	default:
		invalid("connection_type", "%q is not tcp or serial", o.ConnectionType)
	}

	if o.Slave < 1 || o.Slave > 247 {
		invalid("slave", "%d is not in 1-247", o.Slave)
	}
	if _, err := registers.ParseFamily(o.Type); err != nil {
		invalid("type", "%v", err)
	}
	if o.InverterSerial == "" {
		invalid("inverter_serial", "required")
	}
	if o.PollIntervalFast < 0 {
		invalid("poll_interval_fast", "%d must not be negative", o.PollIntervalFast)
	}
	if o.PollIntervalNormal < 0 {
		invalid("poll_interval_normal", "%d must not be negative", o.PollIntervalNormal)
	}
	if o.PollIntervalSlow < 0 {
		invalid("poll_interval_slow", "%d must not be negative", o.PollIntervalSlow)
	}

	return result.ErrorOrNil()
}

// LinkConfig returns the physical link the inverter is reached over.
func (o InverterOptions) LinkConfig() modbus.LinkConfig {
	if modbus.LinkType(o.ConnectionType) == modbus.LinkTypeSerial {
		return modbus.SerialLink(o.SerialPort, o.BaudRate, o.ByteSize, o.Parity, o.StopBits)
	}
	return modbus.TCPLink(o.Host, o.Port)
}

// ControllerConfig converts validated options into the config of an inverter controller. Poll intervals below the
// controller minimum are raised to it.
func (o InverterOptions) ControllerConfig() (inverter.Config, error) {
	family, err := registers.ParseFamily(o.Type)
	if err != nil {
		return inverter.Config{}, err
	}
	return inverter.Config{
		UniqueID:   o.InverterSerial,
		Family:     family,
		DeviceID:   uint8(o.Slave),
		Link:       o.LinkConfig(),
		PollFast:   pollInterval(o.PollIntervalFast),
		PollNormal: pollInterval(o.PollIntervalNormal),
		PollSlow:   pollInterval(o.PollIntervalSlow),
	}, nil
}

func pollInterval(secs int) time.Duration {
	d := time.Duration(secs) * time.Second
	if d < inverter.MinPollInterval {
		return inverter.MinPollInterval
	}
	return d
}
