// Package config loads the weatherflow configuration with viper. Values come
// from config/config.yaml, WEATHERFLOW_* environment variables and command
// line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/t77yq/weatherflow/internal/handler"
	"github.com/t77yq/weatherflow/internal/scheduler"
)

const (
	EnvPrefix = "WEATHERFLOW"

	// APIKeyEnv is read when source.api_key is not configured
	APIKeyEnv = "OPENWEATHER_API_KEY"
)

// DefaultLocations are the cities collected when none are configured
var DefaultLocations = []string{
	"São Paulo", "Rio de Janeiro", "Brasília", "Salvador", "Fortaleza",
	"Belo Horizonte", "Manaus", "Curitiba", "Recife", "Porto Alegre",
	"Belém", "Goiânia", "Guarulhos", "Campinas", "São Luís",
	"São Gonçalo", "Maceió", "Duque de Caxias", "Natal", "Teresina",
	"Campo Grande", "Nova Iguaçu", "São Bernardo do Campo", "João Pessoa", "Santo André",
	"Osasco", "Jaboatão dos Guararapes", "São José dos Campos", "Ribeirão Preto", "Uberlândia",
	"Contagem", "Sorocaba", "Aracaju", "Feira de Santana", "Cuiabá",
	"Joinville", "Juiz de Fora", "Londrina", "Aparecida de Goiânia", "Niterói",
	"Ananindeua", "Porto Velho", "Serra", "Caxias do Sul", "Macapá",
	"Florianópolis", "Vila Velha", "Mauá", "São João de Meriti", "Santos",
}

type ScheduleConfig struct {
	Expression string `mapstructure:"expression"`
	Tick       string `mapstructure:"tick"`
	CatchUp    bool   `mapstructure:"catchup"`
	// StartDate is YYYY-MM-DD or RFC3339; empty means now
	StartDate string `mapstructure:"start_date"`
}

// Start parses StartDate.
func (c ScheduleConfig) Start() (time.Time, error) {
	if c.StartDate == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, c.StartDate); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &scheduler.ConfigurationError{Reason: fmt.Sprintf("invalid schedule.start_date %q", c.StartDate)}
}

type RetryConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	Delay            time.Duration `mapstructure:"delay"`
	Backoff          string        `mapstructure:"backoff"`
	Multiplier       float64       `mapstructure:"multiplier"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryDataQuality bool          `mapstructure:"retry_data_quality"`
}

type SourceConfig struct {
	URL             string        `mapstructure:"url"`
	APIKey          string        `mapstructure:"api_key"`
	Units           string        `mapstructure:"units"`
	Language        string        `mapstructure:"language"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Concurrency     int           `mapstructure:"concurrency"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	Locations       []string      `mapstructure:"locations"`
}

type StorageConfig struct {
	RunsPath   string        `mapstructure:"runs_path"`
	ObjectsDir string        `mapstructure:"objects_dir"`
	Bucket     string        `mapstructure:"bucket"`
	Retention  time.Duration `mapstructure:"retention"`
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Embedded       bool          `mapstructure:"embedded"`
	StoreDir       string        `mapstructure:"store_dir"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type EmailConfig struct {
	Host       string   `mapstructure:"host"`
	Port       int      `mapstructure:"port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

// Enabled reports whether enough is configured to send mail.
func (c EmailConfig) Enabled() bool {
	return c.Host != "" && len(c.Recipients) > 0
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Config is the complete application configuration
type Config struct {
	App struct {
		Name string `mapstructure:"name"`
	} `mapstructure:"app"`
	Graph    string         `mapstructure:"graph"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Executor struct {
		MaxConcurrency int `mapstructure:"max_concurrency"`
	} `mapstructure:"executor"`
	Source  SourceConfig  `mapstructure:"source"`
	Storage StorageConfig `mapstructure:"storage"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Email   EmailConfig   `mapstructure:"email"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "weatherflow")
	v.SetDefault("graph", "weather_etl")

	v.SetDefault("schedule.expression", scheduler.DefaultExpression)
	v.SetDefault("schedule.tick", scheduler.DefaultTick)
	v.SetDefault("schedule.catchup", false)
	v.SetDefault("schedule.start_date", "")

	v.SetDefault("retry.max_attempts", scheduler.DefaultMaxAttempts)
	v.SetDefault("retry.delay", scheduler.DefaultRetryDelay)
	v.SetDefault("retry.backoff", string(scheduler.BackoffFixed))
	v.SetDefault("retry.multiplier", scheduler.DefaultMultiplier)
	v.SetDefault("retry.max_delay", scheduler.DefaultMaxDelay)
	v.SetDefault("retry.timeout", scheduler.DefaultTimeout)
	v.SetDefault("retry.retry_data_quality", false)

	v.SetDefault("executor.max_concurrency", 4)

	v.SetDefault("source.url", handler.DefaultWeatherURL)
	v.SetDefault("source.api_key", "")
	v.SetDefault("source.units", "metric")
	v.SetDefault("source.language", "pt_br")
	v.SetDefault("source.timeout", handler.DefaultRequestTimeout)
	v.SetDefault("source.concurrency", 5)
	v.SetDefault("source.breaker_failures", 5)
	v.SetDefault("source.breaker_cooldown", 30*time.Second)
	v.SetDefault("source.locations", DefaultLocations)

	v.SetDefault("storage.runs_path", "data/runs.db")
	v.SetDefault("storage.objects_dir", "data/objects")
	v.SetDefault("storage.bucket", "weather-data-pipeline")
	v.SetDefault("storage.retention", 30*24*time.Hour)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.store_dir", "data/jetstream")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	// keys without a value still need a default for env lookups to reach them
	v.SetDefault("email.host", "")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.recipients", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// BindFlags defines the command line overrides on fs and binds them to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String("schedule", scheduler.DefaultExpression, "cron expression of the run schedule")
	fs.Bool("catchup", false, "run every missed schedule slot instead of only the latest")
	fs.String("log-level", "info", "log level")

	for key, flag := range map[string]string{
		"schedule.expression": "schedule",
		"schedule.catchup":    "catchup",
		"logging.level":       "log-level",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// New returns a viper instance with defaults and the environment wired in.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. An empty path searches ./config for
// config.yaml; a missing file there is not an error, a missing explicit
// path is.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Source.APIKey == "" {
		cfg.Source.APIKey = os.Getenv(APIKeyEnv)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that can not run.
func (c *Config) Validate() error {
	if len(c.Source.Locations) == 0 {
		return &scheduler.ConfigurationError{Reason: "source.locations is empty"}
	}
	if c.Source.APIKey == "" {
		return &scheduler.ConfigurationError{Reason: "no API key: set source.api_key or " + APIKeyEnv}
	}
	if _, err := c.Schedule.Start(); err != nil {
		return err
	}
	if _, err := c.RetryPolicy(); err != nil {
		return err
	}
	return nil
}

// RetryPolicy builds the task retry policy from the retry section.
func (c *Config) RetryPolicy() (scheduler.RetryPolicy, error) {
	kind := scheduler.BackoffKind(strings.ToLower(c.Retry.Backoff))
	switch kind {
	case scheduler.BackoffFixed, scheduler.BackoffExponential:
	default:
		return scheduler.RetryPolicy{}, &scheduler.ConfigurationError{Reason: fmt.Sprintf("unknown retry.backoff %q", c.Retry.Backoff)}
	}

	p := scheduler.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		Delay:       c.Retry.Delay,
		Backoff:     kind,
		Multiplier:  c.Retry.Multiplier,
		MaxDelay:    c.Retry.MaxDelay,
		Timeout:     c.Retry.Timeout,
	}
	if c.Retry.RetryDataQuality {
		p.Retryable = scheduler.RetryDataQuality
	}
	if err := p.Validate(); err != nil {
		return scheduler.RetryPolicy{}, err
	}
	return p, nil
}

// Fetcher returns the source settings in the form the fetcher takes.
func (c *Config) Fetcher() handler.OpenWeatherConfig {
	return handler.OpenWeatherConfig{
		BaseURL:         c.Source.URL,
		APIKey:          c.Source.APIKey,
		Units:           c.Source.Units,
		Language:        c.Source.Language,
		Timeout:         c.Source.Timeout,
		BreakerFailures: c.Source.BreakerFailures,
		BreakerCooldown: c.Source.BreakerCooldown,
	}
}

// Mail returns the email settings in the form the email channel takes.
func (c *Config) Mail() handler.EmailConfig {
	return handler.EmailConfig{
		Host:       c.Email.Host,
		Port:       c.Email.Port,
		Username:   c.Email.Username,
		Password:   c.Email.Password,
		From:       c.Email.From,
		Recipients: c.Email.Recipients,
	}
}
