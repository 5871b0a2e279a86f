// Package config holds the settings of a callbridge host or caller, read from YAML.
package config

import (
	"io"
	"os"
	"strings"
	"time"

	"callbridge/codec"
	"callbridge/loadbalance"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	codecType codec.CodecType

	Listen        string        `yaml:"listen" json:"listen"`
	HTTPListen    string        `yaml:"httpListen,omitempty" json:"httpListen,omitempty"`
	WebSocketPath string        `yaml:"websocketPath,omitempty" json:"websocketPath,omitempty"`
	Codec         string        `yaml:"codec,omitempty" json:"codec,omitempty"`
	Heartbeat     time.Duration `yaml:"heartbeat,omitempty" json:"heartbeat,omitempty"`
	Advertise     string        `yaml:"advertise,omitempty" json:"advertise,omitempty"`
	Etcd          []string      `yaml:"etcd,omitempty" json:"etcd,omitempty"`
	TTL           int64         `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	Balancer      string        `yaml:"balancer,omitempty" json:"balancer,omitempty"`
	RateLimit     float64       `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
	RateBurst     int           `yaml:"rateBurst,omitempty" json:"rateBurst,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Shutdown      time.Duration `yaml:"shutdown,omitempty" json:"shutdown,omitempty"`
}

// Default is the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Listen:        "127.0.0.1:7000",
		HTTPListen:    "127.0.0.1:7080",
		WebSocketPath: "/bridge",
		Codec:         "json",
		Heartbeat:     15 * time.Second,
		TTL:           10,
		Balancer:      "roundrobin",
		Shutdown:      5 * time.Second,
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening config file for reading")
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decoding config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config file")
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	ct, err := codec.ParseType(c.Codec)
	if err != nil {
		return err
	}
	c.codecType = ct

	if c.Listen == "" && c.HTTPListen == "" {
		return errors.New("at least one of listen or httpListen is required")
	}
	if c.HTTPListen != "" && !strings.HasPrefix(c.WebSocketPath, "/") {
		return errors.Errorf("websocketPath must start with /, got %q", c.WebSocketPath)
	}
	if c.Heartbeat < 0 || c.Timeout < 0 || c.Shutdown < 0 {
		return errors.New("durations can't be negative")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.New("rate limit can't be negative")
	}
	if c.RateLimit > 0 && c.RateBurst == 0 {
		c.RateBurst = 1
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		return err
	}
	if len(c.Etcd) > 0 && c.TTL <= 0 {
		return errors.New("ttl must be positive when advertising to etcd")
	}
	return nil
}

// CodecType is the parsed Codec. Valid after Validate.
func (c *Config) CodecType() codec.CodecType {
	return c.codecType
}

// WebSocketURL is the address callers use to reach the websocket endpoint of advertise.
func (c *Config) WebSocketURL(host string) string {
	return "ws://" + host + c.WebSocketPath
}

func (c *Config) Encode(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(c)
}
