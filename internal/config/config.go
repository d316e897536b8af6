package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Bot          BotConfig
	API          APIConfig
	JWT          JWTConfig
	Panel        PanelConfig
	Provisioning ProvisioningConfig
	Balancing    BalancingConfig
	Schedule     ScheduleConfig
}

type ServerConfig struct {
	Port int
	Env  string // "development", "production"
}

type DatabaseConfig struct {
	Driver  string // "mysql", "postgres", "sqlite"
	Host    string
	Port    string
	Name    string
	User    string
	Pass    string
	Charset string
	Path    string // sqlite file
}

type RedisConfig struct {
	Addr string
	Pass string
	DB   int
}

type BotConfig struct {
	Token   string
	AdminID string
}

type APIConfig struct {
	Key string
}

type JWTConfig struct {
	Secret string
}

// PanelConfig controls the panel session client.
type PanelConfig struct {
	RequestTimeout      time.Duration
	SessionTTL          time.Duration
	MaxAttempts         int
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	MaxRateLimitRetries int
	RateLimitWait       time.Duration
	InsecureSkipVerify  bool
}

type ProvisioningConfig struct {
	RenewPolicy     string // "reset" or "stack"
	LockTTL         time.Duration
	DefaultProtocol string
}

type BalancingConfig struct {
	OverloadThreshold float64
	RebalanceBatch    int
	SweepConcurrency  int
	OrphanMaxAttempts int
	StaleMigration    time.Duration
}

// ScheduleConfig holds six-field cron specs (with seconds).
type ScheduleConfig struct {
	Sweep       string
	Recount     string
	Health      string
	Rebalance   string
	InboundSync string
	Orphans     string
	Migrations  string
}

// Load reads configuration from .env file and environment variables.
func Load() (*Config, error) {
	// Load .env file (ignore error if missing)
	_ = godotenv.Load()

	viper.AutomaticEnv()
	setDefaults()

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetInt("APP_PORT"),
			Env:  viper.GetString("APP_ENV"),
		},
		Database: loadDatabase(),
		Redis: RedisConfig{
			Addr: viper.GetString("REDIS_ADDR"),
			Pass: viper.GetString("REDIS_PASS"),
			DB:   viper.GetInt("REDIS_DB"),
		},
		Bot: BotConfig{
			Token:   viper.GetString("BOT_TOKEN"),
			AdminID: viper.GetString("BOT_ADMIN_ID"),
		},
		API: APIConfig{
			Key: viper.GetString("API_KEY"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("JWT_SECRET"),
		},
		Panel: PanelConfig{
			RequestTimeout:      durationOr("PANEL_REQUEST_TIMEOUT", 15*time.Second),
			SessionTTL:          durationOr("PANEL_SESSION_TTL", 50*time.Minute),
			MaxAttempts:         viper.GetInt("PANEL_MAX_ATTEMPTS"),
			BackoffInitial:      durationOr("PANEL_BACKOFF_INITIAL", 500*time.Millisecond),
			BackoffMax:          durationOr("PANEL_BACKOFF_MAX", 8*time.Second),
			MaxRateLimitRetries: viper.GetInt("PANEL_RATE_LIMIT_RETRIES"),
			RateLimitWait:       durationOr("PANEL_RATE_LIMIT_WAIT", 2*time.Second),
			InsecureSkipVerify:  viper.GetBool("PANEL_INSECURE_TLS"),
		},
		Provisioning: ProvisioningConfig{
			RenewPolicy:     strings.ToLower(viper.GetString("RENEW_POLICY")),
			LockTTL:         durationOr("ACCOUNT_LOCK_TTL", 2*time.Minute),
			DefaultProtocol: viper.GetString("DEFAULT_PROTOCOL"),
		},
		Balancing: BalancingConfig{
			OverloadThreshold: viper.GetFloat64("OVERLOAD_THRESHOLD"),
			RebalanceBatch:    viper.GetInt("REBALANCE_BATCH"),
			SweepConcurrency:  viper.GetInt("SWEEP_CONCURRENCY"),
			OrphanMaxAttempts: viper.GetInt("ORPHAN_MAX_ATTEMPTS"),
			StaleMigration:    durationOr("STALE_MIGRATION_AFTER", 30*time.Minute),
		},
		Schedule: ScheduleConfig{
			Sweep:       viper.GetString("CRON_SWEEP"),
			Recount:     viper.GetString("CRON_RECOUNT"),
			Health:      viper.GetString("CRON_HEALTH"),
			Rebalance:   viper.GetString("CRON_REBALANCE"),
			InboundSync: viper.GetString("CRON_INBOUND_SYNC"),
			Orphans:     viper.GetString("CRON_ORPHANS"),
			Migrations:  viper.GetString("CRON_MIGRATIONS"),
		},
	}

	if cfg.Provisioning.RenewPolicy != "reset" && cfg.Provisioning.RenewPolicy != "stack" {
		log.Printf("WARNING: unknown RENEW_POLICY %q, using reset", cfg.Provisioning.RenewPolicy)
		cfg.Provisioning.RenewPolicy = "reset"
	}
	if cfg.Database.Driver != "sqlite" && cfg.Database.Name == "" {
		log.Println("WARNING: DB_NAME is not set")
	}
	if cfg.API.Key == "" && cfg.JWT.Secret == "" {
		log.Println("WARNING: neither API_KEY nor JWT_SECRET is set, admin API will reject every request")
	}

	return cfg, nil
}

// LoadDatabaseOnly reads just the database section, for --bootstrap-db.
func LoadDatabaseOnly() (*DatabaseConfig, error) {
	_ = godotenv.Load()
	viper.AutomaticEnv()
	setDefaults()
	db := loadDatabase()
	return &db, nil
}

func setDefaults() {
	viper.SetDefault("APP_PORT", 8080)
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("DB_DRIVER", "mysql")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "3306")
	viper.SetDefault("DB_CHARSET", "utf8mb4")
	viper.SetDefault("DB_PATH", "moonvpn.db")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("PANEL_MAX_ATTEMPTS", 4)
	viper.SetDefault("PANEL_RATE_LIMIT_RETRIES", 3)
	viper.SetDefault("PANEL_INSECURE_TLS", true)
	viper.SetDefault("RENEW_POLICY", "reset")
	viper.SetDefault("DEFAULT_PROTOCOL", "vless")
	viper.SetDefault("OVERLOAD_THRESHOLD", 0.85)
	viper.SetDefault("REBALANCE_BATCH", 20)
	viper.SetDefault("SWEEP_CONCURRENCY", 4)
	viper.SetDefault("ORPHAN_MAX_ATTEMPTS", 10)
	viper.SetDefault("CRON_SWEEP", "0 */5 * * * *")
	viper.SetDefault("CRON_RECOUNT", "0 */15 * * * *")
	viper.SetDefault("CRON_HEALTH", "30 * * * * *")
	viper.SetDefault("CRON_REBALANCE", "0 */30 * * * *")
	viper.SetDefault("CRON_INBOUND_SYNC", "0 0 * * * *")
	viper.SetDefault("CRON_ORPHANS", "0 */10 * * * *")
	viper.SetDefault("CRON_MIGRATIONS", "0 */10 * * * *")
}

func loadDatabase() DatabaseConfig {
	return DatabaseConfig{
		Driver:  strings.ToLower(viper.GetString("DB_DRIVER")),
		Host:    viper.GetString("DB_HOST"),
		Port:    viper.GetString("DB_PORT"),
		Name:    viper.GetString("DB_NAME"),
		User:    viper.GetString("DB_USER"),
		Pass:    viper.GetString("DB_PASS"),
		Charset: viper.GetString("DB_CHARSET"),
		Path:    viper.GetString("DB_PATH"),
	}
}

func durationOr(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Printf("WARNING: invalid duration %s=%q, using %s", key, raw, fallback)
		return fallback
	}
	return d
}

// IsDevelopment reports whether verbose logging should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Server.Env, "development")
}

// DSN returns the driver-specific DSN string for GORM.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return "host=" + d.Host + " port=" + d.Port + " user=" + d.User + " password=" + d.Pass +
			" dbname=" + d.Name + " sslmode=disable"
	case "sqlite":
		return d.Path
	default:
		return d.User + ":" + d.Pass + "@tcp(" + d.Host + ":" + d.Port + ")/" + d.Name + "?charset=" + d.Charset + "&parseTime=True&loc=Local"
	}
}
