// Package config loads the missionlink agent configuration. Values come
// from a YAML file layered over the defaults; the agent's flags override
// individual fields afterwards.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/aerialworks/mission_link/logging"
	"github.com/aerialworks/mission_link/missions"
)

// Duration wraps time.Duration for YAML string parsing (e.g. "2s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "2s" or "1m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Errorf("invalid duration %q", s)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration back to its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the agent configuration file.
type Config struct {
	Device    Device         `yaml:"device"`
	MQTT      MQTT           `yaml:"mqtt"`
	Link      Link           `yaml:"link"`
	Protocol  Protocol       `yaml:"protocol"`
	Telemetry Telemetry      `yaml:"telemetry"`
	Log       logging.Config `yaml:"log"`
}

// Device identifies this vehicle toward the control plane.
type Device struct {
	ID string `yaml:"id"`
}

// MQTT configures the control-plane connection. The password is a JWT
// signed with the device's private key, scoped to the project.
type MQTT struct {
	Broker        string   `yaml:"broker"`
	PrivateKey    string   `yaml:"private_key"`
	ProjectID     string   `yaml:"project_id"`
	Region        string   `yaml:"region"`
	RegistryID    string   `yaml:"registry_id"`
	TokenLifetime Duration `yaml:"token_lifetime"`
}

// Link configures the vehicle stream connection.
type Link struct {
	Address        string   `yaml:"address"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
}

// Protocol carries the mission protocol timing and retry policy.
type Protocol struct {
	ResponseTimeout Duration `yaml:"response_timeout"`
	ClearAckTimeout Duration `yaml:"clear_ack_timeout"`
	MaxAttempts     int      `yaml:"max_attempts"`
	InboxSize       int      `yaml:"inbox_size"`
}

// Telemetry configures the mission status publisher.
type Telemetry struct {
	Interval Duration `yaml:"interval"`
}

// Default returns the stock agent configuration. The link address is the
// conventional simulator port on localhost.
func Default() Config {
	return Config{
		MQTT: MQTT{
			Broker:        "ssl://mqtt.googleapis.com:8883",
			PrivateKey:    "/enclave/rsa_private.pem",
			ProjectID:     "aerialworks-fleet",
			Region:        "europe-west1",
			RegistryID:    "vehicle-registry",
			TokenLifetime: Duration{24 * time.Hour},
		},
		Link: Link{
			Address:        "127.0.0.1:5760",
			ReconnectDelay: Duration{2 * time.Second},
		},
		Protocol: Protocol{
			ResponseTimeout: Duration{2 * time.Second},
			ClearAckTimeout: Duration{time.Second},
			MaxAttempts:     3,
			InboxSize:       64,
		},
		Telemetry: Telemetry{
			Interval: Duration{5 * time.Second},
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Validate reports the first configuration problem. Called after flag
// overrides are applied.
func (c Config) Validate() error {
	if c.Device.ID == "" {
		return errors.New("device id is required")
	}
	if c.MQTT.Broker == "" {
		return errors.New("mqtt broker is required")
	}
	if c.Link.Address == "" {
		return errors.New("link address is required")
	}
	if c.Protocol.MaxAttempts < 1 {
		return errors.Errorf("max_attempts %d, must be at least 1", c.Protocol.MaxAttempts)
	}
	if c.Protocol.ResponseTimeout.Duration <= 0 {
		return errors.New("response_timeout must be positive")
	}
	if c.Telemetry.Interval.Duration <= 0 {
		return errors.New("telemetry interval must be positive")
	}
	return nil
}

// Engine maps the protocol section onto the engine's config.
func (c Config) Engine() missions.Config {
	return missions.Config{
		ResponseTimeout: c.Protocol.ResponseTimeout.Duration,
		ClearAckTimeout: c.Protocol.ClearAckTimeout.Duration,
		MaxAttempts:     c.Protocol.MaxAttempts,
		InboxSize:       c.Protocol.InboxSize,
	}
}
