package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string
	Port int
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string
	Development bool
}

// DatabaseConfig holds the sqlite database location.
type DatabaseConfig struct {
	Path string
}

// NATSConfig holds the JetStream publisher settings. An empty URL
// disables event publication entirely.
type NATSConfig struct {
	URL    string
	Stream string
}

// AuthConfig holds user-auth settings. When JWKSURL is set, bearer
// tokens are verified against the external identity provider's key set
// instead of the local HS256 secret.
type AuthConfig struct {
	JWTSecret   string
	TokenExpiry time.Duration
	JWKSURL     string
}

// OAuthClientConfig holds one provider's OAuth application
// credentials. Injected explicitly so tests can supply fakes.
type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// SyncConfig bounds one sync run.
type SyncConfig struct {
	PageSize       int
	FetchWorkers   int
	CallTimeout    time.Duration
	RatePerSecond  int
	OutboxBatch    int
	OutboxInterval time.Duration
}

// Config is the root configuration for the engine.
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	DB      DatabaseConfig
	NATS    NATSConfig
	Auth    AuthConfig
	Gmail   OAuthClientConfig
	Outlook OAuthClientConfig
	Sync    SyncConfig
}

// Load reads configuration from environment variables (prefix
// MAILFOLD_) and an optional .env file, applying defaults.
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("mailfold")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("db.path", "data/mailfold.db")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "MAIL_EVENTS")
	v.SetDefault("auth.token_expiry", "24h")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("gmail.scopes", "https://www.googleapis.com/auth/gmail.readonly https://www.googleapis.com/auth/gmail.send")
	v.SetDefault("outlook.scopes", "https://graph.microsoft.com/Mail.Read https://graph.microsoft.com/Mail.Send offline_access")
	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.fetch_workers", 5)
	v.SetDefault("sync.call_timeout", "30s")
	v.SetDefault("sync.rate_per_second", 10)
	v.SetDefault("sync.outbox_batch", 100)
	v.SetDefault("sync.outbox_interval", "500ms")

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
		DB: DatabaseConfig{
			Path: v.GetString("db.path"),
		},
		NATS: NATSConfig{
			URL:    v.GetString("nats.url"),
			Stream: v.GetString("nats.stream"),
		},
		Auth: AuthConfig{
			JWTSecret:   v.GetString("auth.jwt_secret"),
			TokenExpiry: v.GetDuration("auth.token_expiry"),
			JWKSURL:     v.GetString("auth.jwks_url"),
		},
		Gmail: OAuthClientConfig{
			ClientID:     v.GetString("gmail.client_id"),
			ClientSecret: v.GetString("gmail.client_secret"),
			RedirectURI:  v.GetString("gmail.redirect_uri"),
			Scopes:       strings.Fields(v.GetString("gmail.scopes")),
		},
		Outlook: OAuthClientConfig{
			ClientID:     v.GetString("outlook.client_id"),
			ClientSecret: v.GetString("outlook.client_secret"),
			RedirectURI:  v.GetString("outlook.redirect_uri"),
			Scopes:       strings.Fields(v.GetString("outlook.scopes")),
		},
		Sync: SyncConfig{
			PageSize:       v.GetInt("sync.page_size"),
			FetchWorkers:   v.GetInt("sync.fetch_workers"),
			CallTimeout:    v.GetDuration("sync.call_timeout"),
			RatePerSecond:  v.GetInt("sync.rate_per_second"),
			OutboxBatch:    v.GetInt("sync.outbox_batch"),
			OutboxInterval: v.GetDuration("sync.outbox_interval"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.JWKSURL == "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters (or set auth.jwks_url)")
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 100 {
		return fmt.Errorf("sync.page_size must be in [1,100], got %d", c.Sync.PageSize)
	}
	if c.Sync.FetchWorkers < 1 {
		return fmt.Errorf("sync.fetch_workers must be positive")
	}
	if c.Sync.CallTimeout <= 0 {
		return fmt.Errorf("sync.call_timeout must be positive")
	}
	if c.Sync.RatePerSecond < 1 {
		return fmt.Errorf("sync.rate_per_second must be positive")
	}
	return nil
}

// loadEnvFile loads .env from the working directory or its parent.
// The file is optional; failures are silent.
func loadEnvFile() {
	candidates := []string{".env"}
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(wd), ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}
