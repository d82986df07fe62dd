package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/devilmonastery/bioverify/internal/pkg/urlutil"
)

// Durable backend drivers
const (
	DriverNone     = ""
	DriverPostgres = "postgres"
	DriverDynamoDB = "dynamodb"
)

// Config holds the bot configuration
type Config struct {
	Bot          BotConfig          `yaml:"bot"`
	Logging      LoggingConfig      `yaml:"logging"`
	Storage      StorageConfig      `yaml:"storage"`
	Verification VerificationConfig `yaml:"verification"`
	Communities  []CommunityConfig  `yaml:"communities" validate:"dive"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// BotConfig holds Discord bot specific configuration
type BotConfig struct {
	Token         string `yaml:"token" validate:"required"`
	ApplicationID string `yaml:"application_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
	File   string `yaml:"file"`
}

// StorageConfig selects the file backend location and the optional durable backend
type StorageConfig struct {
	FilePath string        `yaml:"file_path" validate:"required"`
	Durable  DurableConfig `yaml:"durable"`
}

// DurableConfig configures the primary store. An empty driver runs file-only.
type DurableConfig struct {
	Driver   string         `yaml:"driver" validate:"omitempty,oneof=postgres dynamodb"`
	Postgres PostgresConfig `yaml:"postgres"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// DynamoDBConfig holds the AWS connection and table names
type DynamoDBConfig struct {
	Region          string       `yaml:"region"`
	EndpointURL     string       `yaml:"endpoint_url" validate:"omitempty,url"`
	AccessKeyID     string       `yaml:"access_key_id"`
	SecretAccessKey string       `yaml:"secret_access_key"`
	Bootstrap       bool         `yaml:"bootstrap"`
	Tables          DynamoTables `yaml:"tables"`
}

type DynamoTables struct {
	Pending     string `yaml:"pending"`
	Verified    string `yaml:"verified"`
	Communities string `yaml:"communities"`
}

// VerificationConfig tunes code matching, profile fetching and the sweep
type VerificationConfig struct {
	ForegroundAttempts int           `yaml:"foreground_attempts" validate:"gte=1"`
	ForegroundDelay    time.Duration `yaml:"foreground_delay" validate:"gte=0"`
	SweepInterval      time.Duration `yaml:"sweep_interval" validate:"gte=1s"`
	SweepAttempts      int           `yaml:"sweep_attempts" validate:"gte=1"`
	SweepDelay         time.Duration `yaml:"sweep_delay" validate:"gte=0"`
	StaleAfter         time.Duration `yaml:"stale_after" validate:"gte=0"`

	ProfileBaseURL    string        `yaml:"profile_base_url" validate:"required,url"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=1"`
	UserAgent         string        `yaml:"user_agent"`

	Substitution SubstitutionConfig `yaml:"substitution"`
}

// SubstitutionConfig is the brand-token typo the matcher tolerates
type SubstitutionConfig struct {
	From string `yaml:"from" validate:"required_with=To"`
	To   string `yaml:"to" validate:"required_with=From"`
}

// CommunityConfig seeds a community's trust role at start
type CommunityConfig struct {
	CommunityID string `yaml:"community_id" validate:"required"`
	TrustRoleID string `yaml:"trust_role_id" validate:"required"`
}

// MetricsConfig enables the /metrics and /healthz listener when Listen is set
type MetricsConfig struct {
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

var validate = validator.New()

// Load reads the configuration from a YAML file. A .env file next to the
// working directory is loaded first so its variables can be referenced as
// ${VAR} in the YAML.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it, applies defaults
// and validates the result
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	// zero is a valid delay, so these defaults are set before decoding
	cfg := Config{Verification: VerificationConfig{
		ForegroundDelay: 3 * time.Second,
		SweepDelay:      5 * time.Second,
	}}
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Storage.FilePath == "" {
		c.Storage.FilePath = "data/verifications.json"
	}

	d := &c.Storage.Durable.DynamoDB
	if d.Region == "" {
		d.Region = "us-east-1"
	}
	if d.Tables.Pending == "" {
		d.Tables.Pending = "bioverify_pending"
	}
	if d.Tables.Verified == "" {
		d.Tables.Verified = "bioverify_verified"
	}
	if d.Tables.Communities == "" {
		d.Tables.Communities = "bioverify_communities"
	}

	v := &c.Verification
	if v.ForegroundAttempts == 0 {
		v.ForegroundAttempts = 3
	}
	if v.SweepInterval == 0 {
		v.SweepInterval = 5 * time.Minute
	}
	if v.SweepAttempts == 0 {
		v.SweepAttempts = 2
	}
	if v.ProfileBaseURL == "" {
		v.ProfileBaseURL = urlutil.DefaultProfileBaseURL
	}
	if v.FetchTimeout == 0 {
		v.FetchTimeout = 10 * time.Second
	}
	if v.RequestsPerSecond == 0 {
		v.RequestsPerSecond = 0.5
	}
	if v.Burst == 0 {
		v.Burst = 1
	}
	if v.Substitution.From == "" && v.Substitution.To == "" {
		v.Substitution = SubstitutionConfig{From: "TICTOK", To: "TIKTOK"}
	}
}

// Validate checks struct tags plus the rules that span sections
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			return err
		}
		msgs := make([]string, 0, len(ve))
		for _, fe := range ve {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	if c.Storage.Durable.Driver == DriverPostgres && c.Storage.Durable.Postgres.DSN == "" {
		return errors.New("invalid config: storage.durable.postgres.dsn is required for the postgres driver")
	}

	seen := make(map[string]bool, len(c.Communities))
	for _, cc := range c.Communities {
		if seen[cc.CommunityID] {
			return fmt.Errorf("invalid config: community %s listed twice", cc.CommunityID)
		}
		seen[cc.CommunityID] = true
	}
	return nil
}
