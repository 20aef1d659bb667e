// Package config builds the service configuration once at startup from the
// environment and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrConfig marks a missing or invalid setting. It is fatal at startup.
var ErrConfig = errors.New("invalid configuration")

// Config holds all service configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LogConfig           `yaml:"logging"`
	Store         StoreConfig         `yaml:"store"`
	Ingest        IngestConfig        `yaml:"ingest"`
	ECMWF         ECMWFConfig         `yaml:"ecmwf"`
	Tasks         TasksConfig         `yaml:"tasks"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr string `envconfig:"HTTP_ADDR" yaml:"addr"`
	// Port is set by Cloud Run and takes precedence over Addr.
	Port            string        `envconfig:"PORT" yaml:"port"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`
	// RunTimeout bounds one pipeline run triggered over HTTP or in batch.
	RunTimeout time.Duration `envconfig:"RUN_TIMEOUT" yaml:"run_timeout"`
}

// ListenAddr returns the address the HTTP server binds to.
func (s ServerConfig) ListenAddr() string {
	if s.Port != "" {
		return ":" + s.Port
	}
	return s.Addr
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development"`
}

// StoreConfig describes the Zarr store and the raw archive.
type StoreConfig struct {
	// ZarrPath is the blob URL of the Zarr group, e.g. gs://bucket?prefix=tigge.zarr/.
	ZarrPath string `envconfig:"TIGGE_ZARR_PATH" yaml:"zarr_path"`
	// ArchivePath is the blob URL receiving the downloaded GRIB files.
	ArchivePath string   `envconfig:"TIGGE_STORE_PATH" yaml:"archive_path"`
	ZeroDate    Date     `envconfig:"TIGGE_ZERO_DT" yaml:"zero_date"`
	Variables   []string `envconfig:"TIGGE_VARIABLES" yaml:"variables"`

	Longitude int `envconfig:"STORE_LONGITUDE" yaml:"longitude"`
	Latitude  int `envconfig:"STORE_LATITUDE" yaml:"latitude"`
	Days      int `envconfig:"STORE_DAYS" yaml:"days"`
	Steps     int `envconfig:"STORE_STEPS" yaml:"steps"`

	Compressor string `envconfig:"STORE_COMPRESSOR" yaml:"compressor"`
}

// IngestConfig tunes the ingest engine.
type IngestConfig struct {
	Workers      int `envconfig:"N_WORKERS" yaml:"workers"`
	LookbackDays int `envconfig:"TIGGE_TIMEDELTA_DAYS" yaml:"lookback_days"`

	ChunkLongitude int `envconfig:"CHUNK_LONGITUDE" yaml:"chunk_longitude"`
	ChunkLatitude  int `envconfig:"CHUNK_LATITUDE" yaml:"chunk_latitude"`
	ChunkTime      int `envconfig:"CHUNK_TIME" yaml:"chunk_time"`
	ChunkStep      int `envconfig:"CHUNK_STEP" yaml:"chunk_step"`

	KeepBoundary   bool    `envconfig:"KEEP_BOUNDARY" yaml:"keep_boundary"`
	WriteRPS       float64 `envconfig:"WRITE_RPS" yaml:"write_rps"`
	WriteBurst     int     `envconfig:"WRITE_BURST" yaml:"write_burst"`
	MemoryHeadroom float64 `envconfig:"MEMORY_HEADROOM" yaml:"memory_headroom"`

	// DecodeCommand converts a GRIB file into a Zarr group, with {input}
	// and {output} placeholders.
	DecodeCommand []string `envconfig:"DECODE_COMMAND" yaml:"decode_command"`
}

// ECMWFConfig holds the vendor API credentials.
type ECMWFConfig struct {
	URL          string        `envconfig:"ECMWF_URL" yaml:"url"`
	Email        string        `envconfig:"TIGGE_EMAIL" yaml:"email"`
	Key          string        `envconfig:"TIGGE_KEY" yaml:"key"`
	PollInterval time.Duration `envconfig:"ECMWF_POLL_INTERVAL" yaml:"poll_interval"`
	DownloadDir  string        `envconfig:"DOWNLOAD_DIR" yaml:"download_dir"`
}

// TasksConfig addresses the Cloud Tasks queue that re-triggers the service.
type TasksConfig struct {
	Project        string        `envconfig:"PROJECT" yaml:"project"`
	Location       string        `envconfig:"LOCATION" yaml:"location"`
	Queue          string        `envconfig:"QUEUE" yaml:"queue"`
	URL            string        `envconfig:"URL" yaml:"url"`
	ServiceAccount string        `envconfig:"SERVICE_ACCOUNT" yaml:"service_account"`
	Delay          time.Duration `envconfig:"TASK_DELAY" yaml:"delay"`
	// Endpoint overrides the Cloud Tasks API root, e.g. for an emulator.
	Endpoint string `envconfig:"CLOUD_TASKS_ENDPOINT" yaml:"endpoint"`
}

// NotificationsConfig holds the optional notification sinks.
type NotificationsConfig struct {
	SlackToken   string   `envconfig:"SLACKBOT_TOKEN" yaml:"slack_token"`
	SlackTarget  string   `envconfig:"SLACKBOT_TARGET" yaml:"slack_target"`
	SlackName    string   `envconfig:"SLACKBOT_NAME" yaml:"slack_name"`
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaTopic   string   `envconfig:"KAFKA_NOTIFY_TOPIC" yaml:"kafka_topic"`
}

// SlackEnabled reports whether both Slack settings are present.
func (n NotificationsConfig) SlackEnabled() bool {
	return n.SlackToken != "" && n.SlackTarget != ""
}

// KafkaEnabled reports whether a notification topic is configured.
func (n NotificationsConfig) KafkaEnabled() bool {
	return len(n.KafkaBrokers) > 0 && n.KafkaTopic != ""
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			RunTimeout:      6 * time.Hour,
		},
		Logging: LogConfig{Level: "info"},
		Store: StoreConfig{
			Variables: []string{"t2m", "tp"},
			Longitude: 720,
			Latitude:  361,
			Days:      1461 * 10,
			Steps:     61,
		},
		Ingest: IngestConfig{
			Workers:        4,
			LookbackDays:   3,
			ChunkLongitude: 10,
			ChunkLatitude:  10,
			ChunkTime:      1461,
			ChunkStep:      61,
			MemoryHeadroom: 0.1,
		},
		ECMWF: ECMWFConfig{
			URL:          "https://api.ecmwf.int/v1",
			PollInterval: 30 * time.Second,
		},
		Tasks: TasksConfig{Delay: 24 * time.Hour},
		Notifications: NotificationsConfig{
			SlackName: "w2w-forecast",
		},
	}
}

// Load builds the configuration from defaults and environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to load config: %w", ErrConfig, err)
	}
	return cfg, nil
}

// LoadFile builds the configuration from defaults, then the YAML file at
// path, then environment variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %w", ErrConfig, path, err)
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to load config: %w", ErrConfig, err)
	}
	return cfg, nil
}

// ValidateStore checks the settings needed to address and lay out the store.
func (c *Config) ValidateStore() error {
	return joinProblems(c.storeProblems())
}

func (c *Config) storeProblems() []string {
	var problems []string
	if c.Store.ZarrPath == "" {
		problems = append(problems, "TIGGE_ZARR_PATH is required")
	}
	if c.Store.ZeroDate.IsZero() {
		problems = append(problems, "TIGGE_ZERO_DT is required")
	}
	if len(c.Store.Variables) == 0 {
		problems = append(problems, "TIGGE_VARIABLES must list at least one variable")
	}
	for name, v := range map[string]int{
		"STORE_LONGITUDE": c.Store.Longitude,
		"STORE_LATITUDE":  c.Store.Latitude,
		"STORE_DAYS":      c.Store.Days,
		"STORE_STEPS":     c.Store.Steps,
		"CHUNK_LONGITUDE": c.Ingest.ChunkLongitude,
		"CHUNK_LATITUDE":  c.Ingest.ChunkLatitude,
		"CHUNK_TIME":      c.Ingest.ChunkTime,
		"CHUNK_STEP":      c.Ingest.ChunkStep,
	} {
		if v <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive", name))
		}
	}
	switch c.Store.Compressor {
	case "", "zstd", "zlib", "gzip", "lz4":
	default:
		problems = append(problems, fmt.Sprintf("STORE_COMPRESSOR %q is not supported", c.Store.Compressor))
	}
	sort.Strings(problems)
	return problems
}

// Validate checks every setting the daily pipeline needs.
func (c *Config) Validate() error {
	problems := c.storeProblems()
	if c.Store.ArchivePath == "" {
		problems = append(problems, "TIGGE_STORE_PATH is required")
	}
	if c.Ingest.Workers < 1 {
		problems = append(problems, "N_WORKERS must be at least 1")
	}
	if c.Ingest.LookbackDays < 0 {
		problems = append(problems, "TIGGE_TIMEDELTA_DAYS must not be negative")
	}
	if c.ECMWF.Email == "" || c.ECMWF.Key == "" {
		problems = append(problems, "TIGGE_EMAIL and TIGGE_KEY are required")
	}
	if c.Tasks.Project == "" || c.Tasks.Location == "" || c.Tasks.Queue == "" || c.Tasks.URL == "" || c.Tasks.ServiceAccount == "" {
		problems = append(problems, "PROJECT, LOCATION, QUEUE, URL and SERVICE_ACCOUNT are required")
	}
	if len(c.Notifications.KafkaBrokers) > 0 && c.Notifications.KafkaTopic == "" {
		problems = append(problems, "KAFKA_NOTIFY_TOPIC is required when KAFKA_BROKERS is set")
	}
	if _, err := c.Logging.ParseLevel(); err != nil {
		problems = append(problems, err.Error())
	}
	return joinProblems(problems)
}

// ParseLevel checks that the level is a known zap level name.
func (l LogConfig) ParseLevel() (string, error) {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
		return strings.ToLower(l.Level), nil
	}
	return "", fmt.Errorf("LOG_LEVEL %q is not a valid level", l.Level)
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConfig, strings.Join(problems, "; "))
}

// Date is a calendar date in YYYY-MM-DD form at UTC midnight.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return Date{t}, nil
}

// Decode implements envconfig.Decoder.
func (d *Date) Decode(value string) error {
	parsed, err := ParseDate(value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	return d.Decode(node.Value)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}
