// Package config loads the YAML configuration shared by the serve and watch
// commands. Every value reaches its component through explicit
// construction; nothing reads configuration from global state.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tandem/internal/engine"
	"github.com/roach88/tandem/internal/transport"
)

// Medium names accepted by node.medium.
const (
	MediumMemory = "memory"
	MediumLog    = "log"
)

// Config is the root configuration tree.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Node      NodeConfig      `yaml:"node"`
	Client    ClientConfig    `yaml:"client"`
	Cache     CacheConfig     `yaml:"cache"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Queue     QueueConfig     `yaml:"queue"`
	Rooms     RoomsConfig     `yaml:"rooms"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// NodeConfig configures one serving node. An empty ID gets a random UUID.
// Schemas maps project names to CUE constraints installed at startup.
type NodeConfig struct {
	ID               string            `yaml:"id"`
	Listen           string            `yaml:"listen"`
	Database         string            `yaml:"database"`
	Medium           string            `yaml:"medium"`
	PollInterval     time.Duration     `yaml:"poll_interval"`
	SubscriberBuffer int               `yaml:"subscriber_buffer"`
	Schemas          map[string]string `yaml:"schemas"`
}

// ClientConfig configures a watching replica.
type ClientConfig struct {
	Actor         string        `yaml:"actor"`
	Server        string        `yaml:"server"` // base URL, e.g. http://localhost:8080
	Rooms         []string      `yaml:"rooms"`  // project names; see RoomID
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
}

// CacheConfig bounds page residency.
type CacheConfig struct {
	PageCapacity int `yaml:"page_capacity"`
	PageSize     int `yaml:"page_size"`
}

// ReconnectConfig is the subscription reconnect backoff.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	Jitter      float64       `yaml:"jitter"`
}

// QueueConfig bounds the engine task queue.
type QueueConfig struct {
	Capacity int    `yaml:"capacity"`
	Overflow string `yaml:"overflow"` // block|drop
}

// RoomsConfig derives room ids from project names.
type RoomsConfig struct {
	Prefix string `yaml:"prefix"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Node: NodeConfig{
			Listen:           ":8080",
			Database:         "tandem.db",
			Medium:           MediumLog,
			PollInterval:     100 * time.Millisecond,
			SubscriberBuffer: 256,
		},
		Client: ClientConfig{
			Server:        "http://localhost:8080",
			SubmitTimeout: engine.DefaultSubmitTimeout,
		},
		Cache: CacheConfig{PageCapacity: 3, PageSize: 50},
		Reconnect: ReconnectConfig{
			BaseDelay:   transport.DefaultBackoff.Base,
			MaxDelay:    transport.DefaultBackoff.Max,
			MaxAttempts: transport.DefaultBackoff.MaxAttempts,
			Jitter:      transport.DefaultBackoff.Jitter,
		},
		Queue: QueueConfig{Capacity: engine.DefaultQueueCapacity, Overflow: "block"},
		Rooms: RoomsConfig{Prefix: "project:"},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are errors.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var projectPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate returns every problem found, joined.
func (c Config) Validate() error {
	var errs []error

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: must be debug, info, warn or error, got %q", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}

	if c.Node.Medium != MediumMemory && c.Node.Medium != MediumLog {
		errs = append(errs, fmt.Errorf("node.medium: must be memory or log, got %q", c.Node.Medium))
	}
	if c.Node.Database == "" {
		errs = append(errs, errors.New("node.database: required"))
	}
	if c.Node.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("node.poll_interval: must be positive, got %s", c.Node.PollInterval))
	}
	if c.Node.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Errorf("node.subscriber_buffer: must be >= 1, got %d", c.Node.SubscriberBuffer))
	}
	for project := range c.Node.Schemas {
		if !projectPattern.MatchString(project) {
			errs = append(errs, fmt.Errorf("node.schemas: invalid project name %q", project))
		}
	}

	for _, project := range c.Client.Rooms {
		if !projectPattern.MatchString(project) {
			errs = append(errs, fmt.Errorf("client.rooms: invalid project name %q", project))
		}
	}
	if c.Client.SubmitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("client.submit_timeout: must be positive, got %s", c.Client.SubmitTimeout))
	}

	if c.Cache.PageCapacity < 1 {
		errs = append(errs, fmt.Errorf("cache.page_capacity: must be >= 1, got %d", c.Cache.PageCapacity))
	}
	if c.Cache.PageSize < 1 {
		errs = append(errs, fmt.Errorf("cache.page_size: must be >= 1, got %d", c.Cache.PageSize))
	}

	if err := c.Backoff().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reconnect: %w", err))
	}

	if c.Queue.Capacity < 1 {
		errs = append(errs, fmt.Errorf("queue.capacity: must be >= 1, got %d", c.Queue.Capacity))
	}
	if _, err := engine.ParseOverflowPolicy(c.Queue.Overflow); err != nil {
		errs = append(errs, fmt.Errorf("queue.overflow: %w", err))
	}

	return errors.Join(errs...)
}

// RoomID derives the room id for a project.
func (c Config) RoomID(project string) string {
	return c.Rooms.Prefix + project
}

// ClientRooms returns the room ids of every configured client project.
func (c Config) ClientRooms() []string {
	out := make([]string, len(c.Client.Rooms))
	for i, p := range c.Client.Rooms {
		out[i] = c.RoomID(p)
	}
	return out
}

// Backoff converts the reconnect section.
func (c Config) Backoff() transport.Backoff {
	return transport.Backoff{
		Base:        c.Reconnect.BaseDelay,
		Max:         c.Reconnect.MaxDelay,
		MaxAttempts: c.Reconnect.MaxAttempts,
		Jitter:      c.Reconnect.Jitter,
	}
}

// Overflow returns the parsed queue overflow policy. Call after Validate.
func (c Config) Overflow() engine.OverflowPolicy {
	p, _ := engine.ParseOverflowPolicy(c.Queue.Overflow)
	return p
}
