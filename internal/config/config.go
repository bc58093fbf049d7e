package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "TEMPO"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "tempo.db"
	defaultLogLevel           = "info"
	defaultIssuer             = "tempo-auth"
	defaultAudience           = "tempo-api"
	defaultTokenTTL           = 720 * time.Hour
	defaultCookieName         = "tempo_session"
	defaultRequestTopic       = "ServiceRequest"
	defaultReplyTopic         = "ServiceReply"
	defaultErrorTopic         = "ServiceError"
	defaultSyncTopic          = "SyncEvents"
	defaultPollTimeout        = 3 * time.Second
	defaultBusRetention       = 24 * time.Hour
	defaultMaxAttempts        = 10
	defaultCorrelationWait    = 300 * time.Millisecond
	defaultCacheTTL           = 10 * time.Minute
	defaultDispatchConcurrency = 4
	defaultSyncRole           = "FORCE"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	CookieName    string

	BusPath      string
	BusRetention time.Duration
	RequestTopic string
	ReplyTopic   string
	ErrorTopic   string
	SyncTopic    string
	PollTimeout  time.Duration

	MaxAttempts     int
	CorrelationWait time.Duration
	CacheTTL        time.Duration

	DispatchConcurrency int
	DefaultRole         conflict.Role
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("bus.path", "")
	configViper.SetDefault("bus.retention", defaultBusRetention)
	configViper.SetDefault("bus.request_topic", defaultRequestTopic)
	configViper.SetDefault("bus.reply_topic", defaultReplyTopic)
	configViper.SetDefault("bus.error_topic", defaultErrorTopic)
	configViper.SetDefault("bus.sync_topic", defaultSyncTopic)
	configViper.SetDefault("bus.poll_timeout", defaultPollTimeout)
	configViper.SetDefault("correlation.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("correlation.wait", defaultCorrelationWait)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
	configViper.SetDefault("dispatch.concurrency", defaultDispatchConcurrency)
	configViper.SetDefault("sync.default_role", defaultSyncRole)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	role, err := conflict.ParseRole(configViper.GetString("sync.default_role"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("sync.default_role: %w", err)
	}
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		Issuer:              configViper.GetString("auth.issuer"),
		Audience:            configViper.GetString("auth.audience"),
		TokenTTL:            configViper.GetDuration("auth.token_ttl"),
		CookieName:          configViper.GetString("auth.cookie_name"),
		BusPath:             configViper.GetString("bus.path"),
		BusRetention:        configViper.GetDuration("bus.retention"),
		RequestTopic:        configViper.GetString("bus.request_topic"),
		ReplyTopic:          configViper.GetString("bus.reply_topic"),
		ErrorTopic:          configViper.GetString("bus.error_topic"),
		SyncTopic:           configViper.GetString("bus.sync_topic"),
		PollTimeout:         configViper.GetDuration("bus.poll_timeout"),
		MaxAttempts:         configViper.GetInt("correlation.max_attempts"),
		CorrelationWait:     configViper.GetDuration("correlation.wait"),
		CacheTTL:            configViper.GetDuration("cache.ttl"),
		DispatchConcurrency: configViper.GetInt("dispatch.concurrency"),
		DefaultRole:         role,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Issuer) == "" || strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	topics := map[string]string{
		"bus.request_topic": c.RequestTopic,
		"bus.reply_topic":   c.ReplyTopic,
		"bus.error_topic":   c.ErrorTopic,
		"bus.sync_topic":    c.SyncTopic,
	}
	seen := make(map[string]string, len(topics))
	for key, topic := range topics {
		if strings.TrimSpace(topic) == "" || strings.Contains(topic, "/") {
			return fmt.Errorf("%s must be a non-empty name without '/'", key)
		}
		if other, ok := seen[topic]; ok {
			return fmt.Errorf("%s and %s must differ", other, key)
		}
		seen[topic] = key
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("correlation.max_attempts must be positive")
	}
	if c.CorrelationWait < 0 {
		return fmt.Errorf("correlation.wait must not be negative")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.DispatchConcurrency <= 0 {
		return fmt.Errorf("dispatch.concurrency must be positive")
	}
	return nil
}
