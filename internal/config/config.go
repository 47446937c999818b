package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "QPICK"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DriverSQLite
	defaultDatabasePath    = "qpick.db"
	defaultLogLevel        = "info"
	defaultSessionIssuer   = "qpick-api"
	defaultSessionAudience = "qpick-web"
	defaultVAPIDSubject    = "mailto:admin@example.com"

	// DriverSQLite selects the embedded pure-Go SQLite database.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a Postgres server reached through DSN.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	Database       DatabaseConfig
	LogLevel       string
	Session        SessionConfig
	WebhookSecret  string
	Push           PushConfig
	Scoring        ScoringConfig
	Notify         NotifyConfig
	WatchTTL       time.Duration
	Search         SearchConfig
	Cache          CacheConfig
	// ReportsPerMinute limits report submissions per client address.
	ReportsPerMinute int
	VoteWindow       time.Duration
}

type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

type SessionConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TTL           time.Duration
}

type PushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
	TTL             time.Duration
	Concurrency     int
}

type ScoringConfig struct {
	LiveWindow            time.Duration
	CommunityWindow       time.Duration
	CommunityMinSamples   int
	MostlyFoundPercent    int
	MostlyNotFoundPercent int
	HighRiskMinNotFound   int
}

type NotifyConfig struct {
	EventTTL      time.Duration
	Cooldown      time.Duration
	MaxRecipients int
}

type SearchConfig struct {
	RadiusMeters   float64
	DisplayLimit   int
	ChainOverfetch int
}

type CacheConfig struct {
	TTL       time.Duration
	RedisAddr string
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
	configViper.SetDefault("http.allowed_origins", "*")
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.signing_secret", "")
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.audience", defaultSessionAudience)
	configViper.SetDefault("session.ttl_hours", 24*30)
	configViper.SetDefault("webhook.shared_secret", "")
	configViper.SetDefault("push.vapid_public_key", "")
	configViper.SetDefault("push.vapid_private_key", "")
	configViper.SetDefault("push.vapid_subject", defaultVAPIDSubject)
	configViper.SetDefault("push.ttl_seconds", 60)
	configViper.SetDefault("push.concurrency", 16)
	configViper.SetDefault("scoring.live_window_hours", 6)
	configViper.SetDefault("scoring.community_window_days", 30)
	configViper.SetDefault("scoring.community_min_samples", 5)
	configViper.SetDefault("scoring.mostly_found_percent", 70)
	configViper.SetDefault("scoring.mostly_not_found_percent", 30)
	configViper.SetDefault("scoring.high_risk_min_not_found", 5)
	configViper.SetDefault("notify.event_ttl_minutes", 120)
	configViper.SetDefault("notify.cooldown_minutes", 30)
	configViper.SetDefault("notify.max_recipients", 300)
	configViper.SetDefault("watch.ttl_days", 7)
	configViper.SetDefault("search.radius_m", 5000)
	configViper.SetDefault("search.display_limit", 50)
	configViper.SetDefault("search.chain_overfetch", 200)
	configViper.SetDefault("cache.ttl_seconds", 15)
	configViper.SetDefault("cache.redis_addr", "")
	configViper.SetDefault("ratelimit.reports_per_minute", 30)
	configViper.SetDefault("report.vote_window_hours", 24)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	database, err := LoadDatabase(configViper)
	if err != nil {
		return AppConfig{}, err
	}
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),
		Database:       database,
		LogLevel:       configViper.GetString("log.level"),
		Session: SessionConfig{
			SigningSecret: configViper.GetString("session.signing_secret"),
			Issuer:        configViper.GetString("session.issuer"),
			Audience:      configViper.GetString("session.audience"),
			TTL:           hours(configViper.GetInt("session.ttl_hours")),
		},
		WebhookSecret: configViper.GetString("webhook.shared_secret"),
		Push: PushConfig{
			VAPIDPublicKey:  configViper.GetString("push.vapid_public_key"),
			VAPIDPrivateKey: configViper.GetString("push.vapid_private_key"),
			Subject:         configViper.GetString("push.vapid_subject"),
			TTL:             time.Duration(configViper.GetInt("push.ttl_seconds")) * time.Second,
			Concurrency:     configViper.GetInt("push.concurrency"),
		},
		Scoring: ScoringConfig{
			LiveWindow:            hours(configViper.GetInt("scoring.live_window_hours")),
			CommunityWindow:       hours(24 * configViper.GetInt("scoring.community_window_days")),
			CommunityMinSamples:   configViper.GetInt("scoring.community_min_samples"),
			MostlyFoundPercent:    configViper.GetInt("scoring.mostly_found_percent"),
			MostlyNotFoundPercent: configViper.GetInt("scoring.mostly_not_found_percent"),
			HighRiskMinNotFound:   configViper.GetInt("scoring.high_risk_min_not_found"),
		},
		Notify: NotifyConfig{
			EventTTL:      time.Duration(configViper.GetInt("notify.event_ttl_minutes")) * time.Minute,
			Cooldown:      time.Duration(configViper.GetInt("notify.cooldown_minutes")) * time.Minute,
			MaxRecipients: configViper.GetInt("notify.max_recipients"),
		},
		WatchTTL: hours(24 * configViper.GetInt("watch.ttl_days")),
		Search: SearchConfig{
			RadiusMeters:   configViper.GetFloat64("search.radius_m"),
			DisplayLimit:   configViper.GetInt("search.display_limit"),
			ChainOverfetch: configViper.GetInt("search.chain_overfetch"),
		},
		Cache: CacheConfig{
			TTL:       time.Duration(configViper.GetInt("cache.ttl_seconds")) * time.Second,
			RedisAddr: strings.TrimSpace(configViper.GetString("cache.redis_addr")),
		},
		ReportsPerMinute: configViper.GetInt("ratelimit.reports_per_minute"),
		VoteWindow:       hours(configViper.GetInt("report.vote_window_hours")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadDatabase parses only the database section, for commands that never serve traffic.
func LoadDatabase(configViper *viper.Viper) (DatabaseConfig, error) {
	cfg := DatabaseConfig{
		Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		Path:   strings.TrimSpace(configViper.GetString("database.path")),
		DSN:    strings.TrimSpace(configViper.GetString("database.dsn")),
	}
	switch cfg.Driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return DatabaseConfig{}, fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if cfg.DSN == "" {
			return DatabaseConfig{}, fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return DatabaseConfig{}, fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, cfg.Driver)
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Session.SigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl_hours must be positive")
	}
	if strings.TrimSpace(c.Push.VAPIDPublicKey) == "" || strings.TrimSpace(c.Push.VAPIDPrivateKey) == "" {
		return fmt.Errorf("push.vapid_public_key and push.vapid_private_key are required")
	}
	if strings.TrimSpace(c.Push.Subject) == "" {
		return fmt.Errorf("push.vapid_subject is required")
	}
	if c.Scoring.LiveWindow <= 0 || c.Scoring.CommunityWindow <= 0 {
		return fmt.Errorf("scoring windows must be positive")
	}
	if c.Scoring.MostlyNotFoundPercent < 0 || c.Scoring.MostlyFoundPercent > 100 ||
		c.Scoring.MostlyNotFoundPercent >= c.Scoring.MostlyFoundPercent {
		return fmt.Errorf("scoring.mostly_not_found_percent must be below scoring.mostly_found_percent within 0..100")
	}
	if c.Scoring.CommunityMinSamples <= 0 || c.Scoring.HighRiskMinNotFound <= 0 {
		return fmt.Errorf("scoring sample thresholds must be positive")
	}
	if c.Notify.EventTTL <= 0 || c.Notify.Cooldown <= 0 || c.Notify.MaxRecipients <= 0 {
		return fmt.Errorf("notify settings must be positive")
	}
	if c.WatchTTL <= 0 {
		return fmt.Errorf("watch.ttl_days must be positive")
	}
	if c.Search.RadiusMeters <= 0 || c.Search.DisplayLimit <= 0 || c.Search.ChainOverfetch < c.Search.DisplayLimit {
		return fmt.Errorf("search.radius_m and search.display_limit must be positive and search.chain_overfetch at least the display limit")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl_seconds must not be negative")
	}
	if c.ReportsPerMinute <= 0 {
		return fmt.Errorf("ratelimit.reports_per_minute must be positive")
	}
	if c.VoteWindow <= 0 {
		return fmt.Errorf("report.vote_window_hours must be positive")
	}
	return nil
}

func hours(value int) time.Duration {
	return time.Duration(value) * time.Hour
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
