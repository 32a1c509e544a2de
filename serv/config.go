package serv

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration for the askdb service
type Config struct {
	// Application name is used in log and debug messages
	AppName string `mapstructure:"app_name"`

	// When enabled runs the service with production defaults
	Production bool

	// The default path to find all configuration files
	ConfigPath string `mapstructure:"config_path"`

	// Logging level must be one of debug, error, warn, info
	LogLevel string `mapstructure:"log_level"`

	// Logging Format: "auto" (default, colored console in dev, JSON in
	// production), "json" (always JSON), or "simple" (always colored console)
	LogFormat string `mapstructure:"log_format"`

	// Secret key used to encrypt stored connection credentials. Hex
	// encoded, must decode to exactly 32 bytes.
	SecretKey string `mapstructure:"secret_key"`

	// SecretKeyID tags ciphertexts written with the current key
	SecretKeyID string `mapstructure:"secret_key_id"`

	// Retired keys kept around for decryption during a rotation window.
	// Map of key id to hex encoded key.
	PreviousSecretKeys map[string]string `mapstructure:"previous_secret_keys"`

	// Path of the sqlite file holding connections and the audit log
	StorePath string `mapstructure:"store_path"`

	// Language model provider configuration
	Provider Provider `mapstructure:"provider"`

	// Pipeline limits
	Limits Limits `mapstructure:"limits"`

	// Cache TTLs
	Cache CacheConfig `mapstructure:"cache"`

	// Sets the API rate limits
	RateLimiter RateLimiter `mapstructure:"rate_limiter"`

	// How long audit entries are retained before the sweep removes them
	AuditRetention time.Duration `mapstructure:"audit_retention"`

	viper *viper.Viper
}

// Provider configures the OpenAI-compatible translation backend
type Provider struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string
	Timeout time.Duration
}

// Limits bounds the query pipeline
type Limits struct {
	// Max rows any execution may return
	MaxRows int `mapstructure:"max_rows"`

	// Rows returned in preview mode
	PreviewRows int `mapstructure:"preview_rows"`

	// Hard wall clock budget per execution
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`

	// Estimated cost above which execution needs explicit confirmation
	ExpensiveThreshold float64 `mapstructure:"expensive_threshold"`

	// Max aggregation pipeline stages accepted from the model
	MaxPipelineStages int `mapstructure:"max_pipeline_stages"`

	// How many ranked tables reach the prompt
	ShortlistSize int `mapstructure:"shortlist_size"`
}

// CacheConfig sets the pipeline cache TTLs
type CacheConfig struct {
	SchemaTTL      time.Duration `mapstructure:"schema_ttl"`
	TranslationTTL time.Duration `mapstructure:"translation_ttl"`
	ResultTTL      time.Duration `mapstructure:"result_ttl"`
}

// RateLimiter sets the per tenant API rate limits
type RateLimiter struct {
	// The number of events per second
	Rate float64

	// Bucket a burst of at most 'bucket' number of events
	Bucket int
}

// ReadInConfig reads in the config file at the given path. Environment
// variables prefixed with ASKDB_ override file values.
func ReadInConfig(configFile string) (*Config, error) {
	cp := filepath.Dir(configFile)
	vi := newViper(cp, filepath.Base(configFile))

	if err := vi.ReadInConfig(); err != nil {
		return nil, err
	}

	config := &Config{viper: vi}
	config.ConfigPath = cp

	if err := vi.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// NewConfig creates a configuration from the provided config string
func NewConfig(config, format string) (*Config, error) {
	if format == "" {
		format = "yaml"
	}

	vi := newViperWithDefaults()
	vi.SetConfigType(format)

	if err := vi.ReadConfig(strings.NewReader(config)); err != nil {
		return nil, err
	}

	c := &Config{viper: vi}
	if err := vi.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate rejects configurations the process should not start with.
func (c *Config) validate() error {
	key, err := hex.DecodeString(c.SecretKey)
	if err != nil {
		return fmt.Errorf("secret_key must be hex encoded: %v", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("secret_key must decode to 32 bytes, got %d", len(key))
	}
	for id, prev := range c.PreviousSecretKeys {
		pk, err := hex.DecodeString(prev)
		if err != nil || len(pk) != 32 {
			return fmt.Errorf("previous_secret_keys[%s] must be a hex encoded 32 byte key", id)
		}
	}
	return nil
}

// SecretKeyBytes returns the decoded primary key. validate has already
// checked the encoding.
func (c *Config) SecretKeyBytes() []byte {
	key, _ := hex.DecodeString(c.SecretKey)
	return key
}

// PreviousKeyBytes returns the decoded retired keys by id.
func (c *Config) PreviousKeyBytes() map[string][]byte {
	out := make(map[string][]byte, len(c.PreviousSecretKeys))
	for id, prev := range c.PreviousSecretKeys {
		pk, _ := hex.DecodeString(prev)
		out[id] = pk
	}
	return out
}

// rateLimiterEnable returns true if the rate limiter is enabled
func (c *Config) rateLimiterEnable() bool {
	return c.RateLimiter.Rate > 0 && c.RateLimiter.Bucket > 0
}

// ShouldUseJSONLogs returns true if logs should be in JSON format.
// Returns true if log_format is "json" OR if log_format is "auto" and
// production mode is enabled.
func (c *Config) ShouldUseJSONLogs() bool {
	if c.LogFormat == "json" {
		return true
	}
	if c.LogFormat == "auto" && c.Production {
		return true
	}
	return false
}

// AbsolutePath returns the absolute path of the file
func (c *Config) AbsolutePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ConfigPath, p)
}

// newViperWithDefaults returns a new viper instance with the default settings
func newViperWithDefaults() *viper.Viper {
	vi := viper.New()

	vi.SetDefault("app_name", "askdb")
	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "auto")

	vi.SetDefault("secret_key_id", "k1")
	vi.SetDefault("store_path", "askdb.db")

	vi.SetDefault("provider.base_url", "https://api.openai.com/v1")
	vi.SetDefault("provider.model", "gpt-4o-mini")
	vi.SetDefault("provider.timeout", 30*time.Second)

	vi.SetDefault("limits.max_rows", 10000)
	vi.SetDefault("limits.preview_rows", 10)
	vi.SetDefault("limits.exec_timeout", 30*time.Second)
	vi.SetDefault("limits.expensive_threshold", 0.7)
	vi.SetDefault("limits.max_pipeline_stages", 10)
	vi.SetDefault("limits.shortlist_size", 8)

	vi.SetDefault("cache.schema_ttl", time.Hour)
	vi.SetDefault("cache.translation_ttl", time.Hour)
	vi.SetDefault("cache.result_ttl", 24*time.Hour)

	vi.SetDefault("audit_retention", 90*24*time.Hour)

	vi.SetDefault("env", "development")

	vi.SetEnvPrefix("ASKDB")
	vi.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vi.AutomaticEnv()

	vi.BindEnv("env", "GO_ENV") //nolint:errcheck

	return vi
}

// newViper returns a new viper instance with the default settings
func newViper(configPath, configFile string) *viper.Viper {
	vi := newViperWithDefaults()
	vi.SetConfigName(strings.TrimSuffix(configFile, filepath.Ext(configFile)))

	if configPath == "" {
		vi.AddConfigPath("./config")
	} else {
		vi.AddConfigPath(configPath)
	}

	return vi
}

// GetConfigName returns the name of the configuration
func GetConfigName() string {
	goEnv := strings.TrimSpace(strings.ToLower(os.Getenv("GO_ENV")))

	switch goEnv {
	case "production", "prod":
		return "prod"

	case "staging", "stage":
		return "stage"

	case "testing", "test":
		return "test"

	case "development", "dev", "":
		return "dev"

	default:
		return goEnv
	}
}
