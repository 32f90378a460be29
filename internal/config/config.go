package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"valuelog/internal/model"
)

// ErrInvalid wraps every configuration problem detected at load time.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogFormat   string            `json:"log_format" yaml:"log_format"`
	Station     string            `json:"station" yaml:"station"`
	Codenames   []ChannelConfig   `json:"codenames" yaml:"codenames"`
	Pull        PullConfig        `json:"pull" yaml:"pull"`
	Push        PushConfig        `json:"push" yaml:"push"`
	Writer      WriterConfig      `json:"writer" yaml:"writer"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	API         APIConfig         `json:"api" yaml:"api"`
	Diagnostics DiagnosticsConfig `json:"diagnostics" yaml:"diagnostics"`
	Sources     SourcesConfig     `json:"sources" yaml:"sources"`
}

type ChannelConfig struct {
	Codename   string     `json:"codename" yaml:"codename"`
	Kind       model.Kind `json:"kind" yaml:"kind"`
	Threshold  float64    `json:"threshold" yaml:"threshold"`
	Timeout    Duration   `json:"timeout" yaml:"timeout"`
	Pretrigger bool       `json:"pretrigger" yaml:"pretrigger"`
	LowCompare *float64   `json:"low_compare,omitempty" yaml:"low_compare,omitempty"`
	SeriesID   int64      `json:"db_series_id" yaml:"db_series_id"`
	Type       string     `json:"type" yaml:"type"`
}

type PullConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	Name            string   `json:"name" yaml:"name"`
	StaleFactor     float64  `json:"stale_factor" yaml:"stale_factor"`
	ActivityTimeout Duration `json:"activity_timeout" yaml:"activity_timeout"`
}

type PushConfig struct {
	Enabled          bool                   `json:"enabled" yaml:"enabled"`
	Host             string                 `json:"host" yaml:"host"`
	Port             int                    `json:"port" yaml:"port"`
	Name             string                 `json:"name" yaml:"name"`
	ActivityTimeout  Duration               `json:"activity_timeout" yaml:"activity_timeout"`
	SetpointInterval Duration               `json:"setpoint_interval" yaml:"setpoint_interval"`
	Schema           map[string]FieldConfig `json:"schema" yaml:"schema"`
}

type FieldConfig struct {
	Type     string   `json:"type" yaml:"type"`
	Min      *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Default  *float64 `json:"default,omitempty" yaml:"default,omitempty"`
	Codename string   `json:"codename,omitempty" yaml:"codename,omitempty"`
}

type WriterConfig struct {
	QueueSize    int      `json:"queue_size" yaml:"queue_size"`
	HighWater    int      `json:"high_water" yaml:"high_water"`
	LowWater     int      `json:"low_water" yaml:"low_water"`
	BatchSize    int      `json:"batch_size" yaml:"batch_size"`
	GraceSeconds Duration `json:"grace_seconds" yaml:"grace_seconds"`
	BackoffBase  Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffCap   Duration `json:"backoff_cap" yaml:"backoff_cap"`
	SQLTimeout   Duration `json:"sql_timeout" yaml:"sql_timeout"`
	// FatalAfter bounds a database outage before the process gives up.
	// Zero follows GraceSeconds; a negative value retries forever.
	FatalAfter   Duration `json:"fatal_after" yaml:"fatal_after"`
}

type StorageConfig struct {
	Driver            string            `json:"driver" yaml:"driver"`
	DSN               string            `json:"dsn" yaml:"dsn"`
	CreateSchema      bool              `json:"create_schema" yaml:"create_schema"`
	DescriptionsTable string            `json:"descriptions_table" yaml:"descriptions_table"`
	DefaultTable      string            `json:"default_table" yaml:"default_table"`
	Tables            map[string]string `json:"tables" yaml:"tables"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type DiagnosticsConfig struct {
	LogEvery Duration `json:"log_every" yaml:"log_every"`
	LogBurst int      `json:"log_burst" yaml:"log_burst"`
}

type SourcesConfig struct {
	Kafka       KafkaConfig    `json:"kafka" yaml:"kafka"`
	FileTail    FileTailConfig `json:"file_tail" yaml:"file_tail"`
	ReadTimeout Duration       `json:"read_timeout" yaml:"read_timeout"`
	ErrorSleep  Duration       `json:"error_sleep" yaml:"error_sleep"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Station:   "station",
		Pull: PullConfig{
			Enabled:         true,
			Port:            9000,
			Name:            "valuelog pull socket",
			StaleFactor:     10,
			ActivityTimeout: Seconds(900),
		},
		Push: PushConfig{
			Enabled:          true,
			Port:             8500,
			Name:             "valuelog push socket",
			ActivityTimeout:  Seconds(900),
			SetpointInterval: Seconds(1),
		},
		Writer: WriterConfig{
			QueueSize:    10000,
			LowWater:     64,
			BatchSize:    64,
			GraceSeconds: Seconds(10),
			BackoffBase:  Seconds(1),
			BackoffCap:   Seconds(60),
			SQLTimeout:   Seconds(10),
		},
		Storage: StorageConfig{
			Driver:            "sqlite",
			DSN:               "file:valuelog.db?_pragma=busy_timeout(5000)",
			CreateSchema:      true,
			DescriptionsTable: "dateplots_descriptions",
			DefaultTable:      "dateplots_values",
		},
		API:         APIConfig{Enabled: true, Addr: ":8081"},
		Diagnostics: DiagnosticsConfig{LogEvery: Seconds(10), LogBurst: 5},
		Sources: SourcesConfig{
			FileTail:    FileTailConfig{StartAtEnd: true},
			ReadTimeout: Seconds(2),
			ErrorSleep:  Seconds(1),
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes JSON or YAML content on top of DefaultConfig and validates it.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: config file is empty", ErrInvalid)
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Pull.StaleFactor == 0 {
		cfg.Pull.StaleFactor = 10
	}
	if cfg.Push.SetpointInterval <= 0 {
		cfg.Push.SetpointInterval = Seconds(1)
	}
	if cfg.Writer.QueueSize == 0 {
		cfg.Writer.QueueSize = 10000
	}
	if cfg.Writer.HighWater == 0 {
		cfg.Writer.HighWater = cfg.Writer.QueueSize
	}
	if cfg.Writer.BatchSize == 0 {
		cfg.Writer.BatchSize = 64
	}
	if cfg.Writer.BackoffBase == 0 {
		cfg.Writer.BackoffBase = Seconds(1)
	}
	if cfg.Writer.BackoffCap == 0 {
		cfg.Writer.BackoffCap = Seconds(60)
	}
	if cfg.Writer.SQLTimeout == 0 {
		cfg.Writer.SQLTimeout = Seconds(10)
	}
	if cfg.Writer.FatalAfter == 0 {
		cfg.Writer.FatalAfter = cfg.Writer.GraceSeconds
	}
	if cfg.Storage.DescriptionsTable == "" {
		cfg.Storage.DescriptionsTable = "dateplots_descriptions"
	}
	if cfg.Storage.DefaultTable == "" {
		cfg.Storage.DefaultTable = "dateplots_values"
	}
	if cfg.Diagnostics.LogEvery <= 0 {
		cfg.Diagnostics.LogEvery = Seconds(10)
	}
	if cfg.Diagnostics.LogBurst <= 0 {
		cfg.Diagnostics.LogBurst = 5
	}
	if cfg.Sources.ReadTimeout <= 0 {
		cfg.Sources.ReadTimeout = Seconds(2)
	}
	if cfg.Sources.ErrorSleep <= 0 {
		cfg.Sources.ErrorSleep = Seconds(1)
	}
	for i := range cfg.Codenames {
		cfg.Codenames[i].Codename = strings.TrimSpace(cfg.Codenames[i].Codename)
	}
}

var reIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name can be spliced into SQL as a table name.
func ValidIdentifier(name string) bool {
	return reIdentifier.MatchString(name)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func Validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Codenames))
	for i, ch := range cfg.Codenames {
		if ch.Codename == "" {
			return invalid("codenames[%d].codename is empty", i)
		}
		if !isASCII(ch.Codename) || strings.ContainsAny(ch.Codename, ",;:#") {
			return invalid("codename %q contains reserved characters", ch.Codename)
		}
		if _, dup := seen[ch.Codename]; dup {
			return invalid("duplicate codename %q", ch.Codename)
		}
		seen[ch.Codename] = struct{}{}
		if !ch.Kind.Valid() {
			return invalid("codename %q: kind must be lin or log", ch.Codename)
		}
		if !(ch.Threshold > 0) {
			return invalid("codename %q: threshold must be > 0", ch.Codename)
		}
		if ch.Timeout <= 0 {
			return invalid("codename %q: timeout must be > 0", ch.Codename)
		}
		if ch.SeriesID < 0 {
			return invalid("codename %q: db_series_id must be >= 0", ch.Codename)
		}
		if ch.Type != "" {
			if _, ok := cfg.Storage.Tables[ch.Type]; !ok {
				return invalid("codename %q: no storage table for type %q", ch.Codename, ch.Type)
			}
		}
	}
	if cfg.Pull.Enabled {
		if !validPort(cfg.Pull.Port) {
			return invalid("pull.port %d out of range", cfg.Pull.Port)
		}
		if !(cfg.Pull.StaleFactor > 0) {
			return invalid("pull.stale_factor must be > 0")
		}
	}
	if cfg.Push.Enabled {
		if !validPort(cfg.Push.Port) {
			return invalid("push.port %d out of range", cfg.Push.Port)
		}
		if cfg.Pull.Enabled && cfg.Pull.Port == cfg.Push.Port && cfg.Pull.Host == cfg.Push.Host {
			return invalid("pull.port and push.port must differ")
		}
	}
	for key, field := range cfg.Push.Schema {
		if key == "" {
			return invalid("push.schema contains an empty key")
		}
		switch strings.ToLower(field.Type) {
		case "", "float", "int":
		default:
			return invalid("push.schema.%s: unknown type %q", key, field.Type)
		}
		if field.Min != nil && field.Max != nil && *field.Min > *field.Max {
			return invalid("push.schema.%s: min > max", key)
		}
		if field.Codename != "" {
			if _, ok := seen[field.Codename]; !ok {
				return invalid("push.schema.%s: codename %q is not registered", key, field.Codename)
			}
		}
	}
	w := cfg.Writer
	if w.QueueSize <= 0 || w.BatchSize <= 0 || w.HighWater < 0 {
		return invalid("writer.queue_size and batch_size must be > 0")
	}
	if w.HighWater > w.QueueSize {
		return invalid("writer.high_water must be <= queue_size")
	}
	if w.LowWater < 0 || w.LowWater > w.QueueSize {
		return invalid("writer.low_water must be within 0..queue_size")
	}
	if w.GraceSeconds < 0 {
		return invalid("writer.grace_seconds must be >= 0")
	}
	if w.BackoffBase <= 0 || w.BackoffBase > w.BackoffCap {
		return invalid("writer.backoff_base must be > 0 and <= backoff_cap")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return invalid("unsupported storage driver %q", cfg.Storage.Driver)
	}
	if !ValidIdentifier(cfg.Storage.DescriptionsTable) || !ValidIdentifier(cfg.Storage.DefaultTable) {
		return invalid("storage table names must be plain identifiers")
	}
	for typ, table := range cfg.Storage.Tables {
		if !ValidIdentifier(table) {
			return invalid("storage.tables.%s: %q is not a plain identifier", typ, table)
		}
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return invalid("api.addr required when api.enabled is true")
	}
	if k := cfg.Sources.Kafka; k.Enabled {
		if len(k.Brokers) == 0 || k.Topic == "" || k.GroupID == "" {
			return invalid("sources.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Sources.FileTail.Enabled && len(cfg.Sources.FileTail.Files) == 0 {
		return invalid("sources.file_tail.files required when sources.file_tail.enabled is true")
	}
	return nil
}

// LargestTimeout returns the longest channel timeout, zero without channels.
func (c *Config) LargestTimeout() Duration {
	var out Duration
	for _, ch := range c.Codenames {
		if ch.Timeout > out {
			out = ch.Timeout
		}
	}
	return out
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
