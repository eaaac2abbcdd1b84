package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/loykin/clickhousejson/internal/placeholder"
	"github.com/spf13/viper"
)

// Default values applied before any file or host settings.
const (
	DefaultDatabase      = "default"
	DefaultUser          = "default"
	DefaultBufferType    = "file"
	DefaultTimekey       = 60 * 60 * 24
	DefaultFlushInterval = DefaultTimekey
	DefaultMetricsListen = ""
	maxDatetimePrecision = 9
)

// DefaultRetryableResponseCodes is the retry set used when none is configured.
var DefaultRetryableResponseCodes = []int{503}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete output configuration. It is built once at startup and
// never mutated afterwards.
type Config struct {
	HTTPURI                      string `toml:"http_uri" mapstructure:"http_uri"`
	Database                     string `toml:"database" mapstructure:"database"`
	Table                        string `toml:"table" mapstructure:"table"`
	User                         string `toml:"user" mapstructure:"user"`
	Password                     string `toml:"password" mapstructure:"password"`
	TZOffset                     int    `toml:"tz_offset" mapstructure:"tz_offset"`
	DatetimeName                 string `toml:"datetime_name" mapstructure:"datetime_name"`
	TagName                      string `toml:"tag_name" mapstructure:"tag_name"`
	DatetimePrecision            int    `toml:"datetime_precision" mapstructure:"datetime_precision"`
	DropNullFields               bool   `toml:"drop_null_fields" mapstructure:"drop_null_fields"`
	ErrorResponseAsUnrecoverable bool   `toml:"error_response_as_unrecoverable" mapstructure:"error_response_as_unrecoverable"`
	RetryableResponseCodes       []int  `toml:"retryable_response_codes" mapstructure:"retryable_response_codes"`

	// Compress selects the request body encoding: "", "gzip" or "zstd".
	Compress string `toml:"compress" mapstructure:"compress"`
	// TimeoutSeconds bounds a single request. Zero leaves requests unbounded.
	TimeoutSeconds int       `toml:"timeout" mapstructure:"timeout"`
	TLS            TLSConfig `toml:"tls" mapstructure:"tls"`

	Buffer  BufferConfig  `toml:"buffer" mapstructure:"buffer"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
}

// TLSConfig holds client settings for https endpoints.
type TLSConfig struct {
	CAFile string `toml:"ca_file" mapstructure:"ca_file"`
	// InsecureSkipVerify disables server certificate verification. It exists
	// for endpoints with self-signed certificates and must be set explicitly.
	InsecureSkipVerify bool `toml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// BufferConfig is consumed by the host. Only ChunkKeys and Timekey are read here.
type BufferConfig struct {
	Type            string   `toml:"type" mapstructure:"type"`
	ChunkKeys       []string `toml:"chunk_keys" mapstructure:"chunk_keys"`
	FlushAtShutdown bool     `toml:"flush_at_shutdown" mapstructure:"flush_at_shutdown"`
	Timekey         int      `toml:"timekey" mapstructure:"timekey"`
	TimekeyUseUTC   bool     `toml:"timekey_use_utc" mapstructure:"timekey_use_utc"`
	FlushInterval   int      `toml:"flush_interval" mapstructure:"flush_interval"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

// hostKeys maps flat host setting names onto nested viper keys.
var hostKeys = map[string]string{
	"buffer_type":              "buffer.type",
	"chunk_keys":               "buffer.chunk_keys",
	"flush_at_shutdown":        "buffer.flush_at_shutdown",
	"timekey":                  "buffer.timekey",
	"timekey_use_utc":          "buffer.timekey_use_utc",
	"flush_interval":           "buffer.flush_interval",
	"tls_ca_file":              "tls.ca_file",
	"tls_insecure_skip_verify": "tls.insecure_skip_verify",
	"log_level":                "log.level",
	"log_format":               "log.format",
	"log_file":                 "log.file",
	"metrics_listen":           "metrics.listen",
}

var listKeys = map[string]bool{
	"retryable_response_codes": true,
	"buffer.chunk_keys":        true,
}

// Keys lists every flat setting name understood by FromMap.
func Keys() []string {
	keys := []string{
		"http_uri", "database", "table", "user", "password", "tz_offset",
		"datetime_name", "tag_name", "datetime_precision", "drop_null_fields",
		"error_response_as_unrecoverable", "retryable_response_codes",
		"compress", "timeout",
	}
	for k := range hostKeys {
		keys = append(keys, k)
	}
	return keys
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database", DefaultDatabase)
	v.SetDefault("user", DefaultUser)
	v.SetDefault("password", "")
	v.SetDefault("tz_offset", 0)
	v.SetDefault("datetime_precision", 0)
	v.SetDefault("drop_null_fields", true)
	v.SetDefault("error_response_as_unrecoverable", false)
	v.SetDefault("retryable_response_codes", DefaultRetryableResponseCodes)
	v.SetDefault("buffer.type", DefaultBufferType)
	v.SetDefault("buffer.chunk_keys", []string{"time"})
	v.SetDefault("buffer.flush_at_shutdown", true)
	v.SetDefault("buffer.timekey", DefaultTimekey)
	v.SetDefault("buffer.flush_interval", DefaultFlushInterval)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.listen", DefaultMetricsListen)
}

// Default returns a Config holding only default values.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return c
}

// Load reads a TOML, YAML or JSON file and applies defaults. The result is
// validated.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

// FromMap builds a Config from flat key/value settings as supplied by a host's
// plugin section. Empty values are treated as unset.
func FromMap(kv map[string]string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for k, val := range kv {
		if strings.TrimSpace(val) == "" {
			continue
		}
		key := strings.ToLower(k)
		if nested, ok := hostKeys[key]; ok {
			key = nested
		}
		if listKeys[key] {
			v.Set(key, splitList([]string{val}))
			continue
		}
		v.Set(key, val)
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.Buffer.ChunkKeys = splitList(c.Buffer.ChunkKeys)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// splitList trims list entries; a single comma separated entry is expanded.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate checks required settings and value ranges.
func (c Config) Validate() error {
	if c.HTTPURI == "" {
		return fmt.Errorf("%w: http_uri is required", ErrInvalid)
	}
	u, err := url.Parse(c.HTTPURI)
	if err != nil {
		return fmt.Errorf("%w: http_uri: %v", ErrInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: http_uri scheme must be http or https, got %q", ErrInvalid, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: http_uri has no host", ErrInvalid)
	}
	if c.Table == "" {
		return fmt.Errorf("%w: table is required", ErrInvalid)
	}
	if err := placeholder.Check(c.Table, c.Buffer.ChunkKeys); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.DatetimePrecision < 0 || c.DatetimePrecision > maxDatetimePrecision {
		return fmt.Errorf("%w: datetime_precision must be within 0..%d", ErrInvalid, maxDatetimePrecision)
	}
	for _, code := range c.RetryableResponseCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("%w: retryable response code %d is not an HTTP status", ErrInvalid, code)
		}
	}
	switch c.Compress {
	case "", "gzip", "zstd":
	default:
		return fmt.Errorf("%w: unknown compress %q", ErrInvalid, c.Compress)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalid)
	}
	if c.Buffer.Timekey < 0 {
		return fmt.Errorf("%w: buffer timekey must not be negative", ErrInvalid)
	}
	return nil
}

// RetryableSet returns the retryable codes as a lookup set.
func (c Config) RetryableSet() map[int]struct{} {
	set := make(map[int]struct{}, len(c.RetryableResponseCodes))
	for _, code := range c.RetryableResponseCodes {
		set[code] = struct{}{}
	}
	return set
}

// HasChunkKey reports whether the buffer is partitioned by key.
func (c Config) HasChunkKey(key string) bool {
	for _, k := range c.Buffer.ChunkKeys {
		if k == key {
			return true
		}
	}
	return false
}
