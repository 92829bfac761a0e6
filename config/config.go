package config

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "TDB_"

// Config represents the overall application configuration.
type Config struct {
	Machine    MachineConfig    `yaml:"machine"`
	Backend    BackendConfig    `yaml:"backend"`
	Serial     SerialConfig     `yaml:"serial"`
	Dispenser  DispenserConfig  `yaml:"dispenser"`
	State      StateConfig      `yaml:"state"`
	Offline    OfflineConfig    `yaml:"offline"`
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Summary    SummaryConfig    `yaml:"summary"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Log        LogConfig        `yaml:"log"`
}

// MachineConfig identifies this dispenser to the backend.
type MachineConfig struct {
	ID        string `yaml:"id"`
	DeviceUID string `yaml:"device_uid"`
}

// BackendConfig holds the backend gateway connection settings.
type BackendConfig struct {
	BaseURL            string        `yaml:"base_url"`
	GetTimeoutSeconds  float64       `yaml:"get_timeout_seconds"`
	PostTimeoutSeconds float64       `yaml:"post_timeout_seconds"`
	MaxRetries         int           `yaml:"max_retries"`
	BackoffSeconds     float64       `yaml:"backoff_seconds"`
	TZOffsetMinutes    int           `yaml:"tz_offset_minutes"`
	RateLimitPerSec    float64       `yaml:"rate_limit_per_sec"`
	HTTPProxy          string        `yaml:"http_proxy"`
	GetTimeout         time.Duration `yaml:"-"`
	PostTimeout        time.Duration `yaml:"-"`
	Backoff            time.Duration `yaml:"-"`
}

// SerialConfig holds the device link settings. An empty Port means autodetect.
type SerialConfig struct {
	Port               string        `yaml:"port"`
	BaudRate           int           `yaml:"baud_rate"`
	ReadTimeoutSeconds float64       `yaml:"read_timeout_seconds"`
	ReadTimeout        time.Duration `yaml:"-"`
}

// DispenserConfig holds the control loop timings and switches.
type DispenserConfig struct {
	DryRun                  bool           `yaml:"dry_run"`
	Timezone                string         `yaml:"timezone"`
	// UIDCooldownSeconds and HeartbeatSeconds default only when unset; an
	// explicit zero turns the cooldown or the heartbeat off.
	UIDCooldownSeconds      *float64       `yaml:"uid_cooldown_seconds"`
	HeartbeatSeconds        *int           `yaml:"heartbeat_seconds"`
	RegistrationPollSeconds int            `yaml:"registration_poll_seconds"`
	ResultPauseSeconds      float64        `yaml:"result_pause_seconds"`
	ErrorBackoffSeconds     float64        `yaml:"error_backoff_seconds"`
	StepGapMillis           int            `yaml:"step_gap_ms"`
	ItemGapMillis           int            `yaml:"item_gap_ms"`
	UIDCooldown             time.Duration  `yaml:"-"`
	Heartbeat               time.Duration  `yaml:"-"`
	RegistrationPoll        time.Duration  `yaml:"-"`
	ResultPause             time.Duration  `yaml:"-"`
	ErrorBackoff            time.Duration  `yaml:"-"`
	StepGap                 time.Duration  `yaml:"-"`
	ItemGap                 time.Duration  `yaml:"-"`
	Location                *time.Location `yaml:"-"`
}

// StateConfig points at the snapshot file read by out-of-process observers.
type StateConfig struct {
	Path string `yaml:"path"`
}

// OfflineConfig selects the offline report queue backend: "file" or "database".
type OfflineConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ServerConfig holds the status API configuration.
type ServerConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// SummaryConfig controls the display poller.
type SummaryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"`
}

// PushConfig holds the VAPID keys for caregiver web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// LogConfig holds the logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the configuration from the given path, then applies the .env file and
// TDB_-prefixed environment overrides. A missing YAML file is not an error.
func Load(path string) (*Config, error) {
	var cfg Config
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("path", path).Msg("config file not found; using defaults and environment")
	default:
		return nil, err
	}

	if err := LoadDotEnv(envFileFor(path)); err != nil {
		return nil, err
	}
	applyEnv(&cfg, os.LookupEnv)

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs into the process environment without overriding
// variables that are already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func envFileFor(configPath string) string {
	if p := os.Getenv("TDB_ENV_FILE"); p != "" {
		return p
	}
	dir := "."
	if i := strings.LastIndex(configPath, "/"); i >= 0 {
		dir = configPath[:i]
	}
	return dir + "/.env"
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				*dst = f
			} else {
				log.Warn().Str("var", EnvPrefix+name).Str("value", v).Msg("ignoring non-numeric override")
			}
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			} else {
				log.Warn().Str("var", EnvPrefix+name).Str("value", v).Msg("ignoring non-integer override")
			}
		}
	}

	floatPtr := func(name string, dst **float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				*dst = &f
			} else {
				log.Warn().Str("var", EnvPrefix+name).Str("value", v).Msg("ignoring non-numeric override")
			}
		}
	}
	integerPtr := func(name string, dst **int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = &n
			} else {
				log.Warn().Str("var", EnvPrefix+name).Str("value", v).Msg("ignoring non-integer override")
			}
		}
	}

	str("SERVER_BASE_URL", &cfg.Backend.BaseURL)
	str("MACHINE_ID", &cfg.Machine.ID)
	str("DEVICE_UID", &cfg.Machine.DeviceUID)
	str("SERIAL_PORT", &cfg.Serial.Port)
	integer("BAUDRATE", &cfg.Serial.BaudRate)
	float("READ_TIMEOUT", &cfg.Serial.ReadTimeoutSeconds)
	floatPtr("UID_COOLDOWN_SEC", &cfg.Dispenser.UIDCooldownSeconds)
	integerPtr("HEARTBEAT_SEC", &cfg.Dispenser.HeartbeatSeconds)
	str("LOG_LEVEL", &cfg.Log.Level)
	if v, ok := lookup(EnvPrefix + "DRY_RUN"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Dispenser.DryRun = b
		}
	}
}

func (cfg *Config) applyDefaults() error {
	if cfg.Machine.ID == "" {
		cfg.Machine.ID = "MACHINE-0001"
	}
	if cfg.Machine.DeviceUID == "" {
		cfg.Machine.DeviceUID = cfg.Machine.ID
	}

	b := &cfg.Backend
	if b.BaseURL == "" {
		b.BaseURL = "http://127.0.0.1:8000"
	}
	b.BaseURL = strings.TrimRight(b.BaseURL, "/")
	if b.GetTimeoutSeconds <= 0 {
		b.GetTimeoutSeconds = 5
	}
	if b.PostTimeoutSeconds <= 0 {
		b.PostTimeoutSeconds = 7
	}
	if b.MaxRetries < 0 {
		b.MaxRetries = 0
	} else if b.MaxRetries == 0 {
		b.MaxRetries = 3
	}
	if b.BackoffSeconds <= 0 {
		b.BackoffSeconds = 0.5
	}
	if b.TZOffsetMinutes == 0 {
		b.TZOffsetMinutes = 540
	}
	b.GetTimeout = seconds(b.GetTimeoutSeconds)
	b.PostTimeout = seconds(b.PostTimeoutSeconds)
	b.Backoff = seconds(b.BackoffSeconds)

	s := &cfg.Serial
	if s.BaudRate <= 0 {
		s.BaudRate = 9600
	}
	if s.ReadTimeoutSeconds <= 0 {
		s.ReadTimeoutSeconds = 1.0
	}
	s.ReadTimeout = seconds(s.ReadTimeoutSeconds)

	d := &cfg.Dispenser
	if d.Timezone == "" {
		d.Timezone = "Asia/Seoul"
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", d.Timezone).Msg("unknown timezone; falling back to local time")
		loc = time.Local
	}
	d.Location = loc
	cooldown := 2.0
	if d.UIDCooldownSeconds != nil {
		cooldown = max(*d.UIDCooldownSeconds, 0)
	}
	heartbeat := 300
	if d.HeartbeatSeconds != nil {
		heartbeat = max(*d.HeartbeatSeconds, 0)
	}
	if d.RegistrationPollSeconds <= 0 {
		d.RegistrationPollSeconds = 5
	}
	if d.ResultPauseSeconds <= 0 {
		d.ResultPauseSeconds = 3
	}
	if d.ErrorBackoffSeconds <= 0 {
		d.ErrorBackoffSeconds = 5
	}
	if d.StepGapMillis <= 0 {
		d.StepGapMillis = 150
	}
	if d.ItemGapMillis <= 0 {
		d.ItemGapMillis = 500
	}
	d.UIDCooldown = seconds(cooldown)
	d.Heartbeat = time.Duration(heartbeat) * time.Second
	d.RegistrationPoll = time.Duration(d.RegistrationPollSeconds) * time.Second
	d.ResultPause = seconds(d.ResultPauseSeconds)
	d.ErrorBackoff = seconds(d.ErrorBackoffSeconds)
	d.StepGap = time.Duration(d.StepGapMillis) * time.Millisecond
	d.ItemGap = time.Duration(d.ItemGapMillis) * time.Millisecond

	if cfg.State.Path == "" {
		cfg.State.Path = "data/state.json"
	}

	switch cfg.Offline.Driver {
	case "":
		cfg.Offline.Driver = "file"
	case "file", "database":
	default:
		return errors.New("offline.driver must be \"file\" or \"database\"")
	}
	if cfg.Offline.Path == "" {
		cfg.Offline.Path = "data/offline_reports.jsonl"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "data/dispenser.db"
	}

	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Summary.IntervalSeconds <= 0 {
		cfg.Summary.IntervalSeconds = 10
	}
	cfg.Summary.Interval = time.Duration(cfg.Summary.IntervalSeconds) * time.Second

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Debug().Msg("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
