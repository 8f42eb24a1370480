package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	EventsSinkLog   = "log"
	EventsSinkRedis = "redis"
	EventsSinkMQTT  = "mqtt"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Session    SessionConfig
	Supervisor SupervisorConfig
	Pairing    PairingConfig
	Cloud      CloudConfig
	Events     EventsConfig
	Credit     CreditConfig
	Scheduler  SchedulerConfig
	Log        LogConfig
}

type ServerConfig struct {
	Address         string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Driver      string
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SessionConfig struct {
	StorePath string
}

type SupervisorConfig struct {
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int
}

type PairingConfig struct {
	TTL    time.Duration
	QRSize int
}

type CloudConfig struct {
	BaseURL     string
	APIVersion  string
	VerifyToken string
	AppSecret   string
	Timeout     time.Duration
}

type EventsConfig struct {
	Sink         string
	TopicPrefix  string
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
}

type CreditConfig struct {
	// DefaultBalance seeds every owner of the in-memory meter.
	DefaultBalance int64
}

type SchedulerConfig struct {
	ReconcileInterval time.Duration
	ReconcileBatch    int
	SweepInterval     time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadAll reads the configuration from the environment. Every problem is
// reported at once.
func LoadAll() (*Config, error) {
	var errs []error
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	seconds := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Second
	}
	millis := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Millisecond
	}

	cfg := &Config{
		Server: ServerConfig{
			Address:         getEnv("SERVER_ADDRESS", ":8080"),
			ShutdownTimeout: seconds("SHUTDOWN_TIMEOUT_SECONDS", 10),
		},
		Database: DatabaseConfig{
			Driver:      strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
			PostgresURL: os.Getenv("POSTGRES_URL"),
		},
		Session: SessionConfig{
			StorePath: getEnv("SESSION_STORE_PATH", "sessions.db"),
		},
		Supervisor: SupervisorConfig{
			ReconnectBase:        millis("RECONNECT_BASE_MS", 2000),
			ReconnectMax:         millis("RECONNECT_MAX_MS", 60000),
			ReconnectMaxAttempts: intVar("RECONNECT_MAX_ATTEMPTS", 8),
		},
		Pairing: PairingConfig{
			TTL:    seconds("PAIRING_TTL_SECONDS", 300),
			QRSize: intVar("PAIRING_QR_SIZE", 256),
		},
		Cloud: CloudConfig{
			BaseURL:     getEnv("CLOUD_API_BASE_URL", "https://graph.facebook.com"),
			APIVersion:  getEnv("CLOUD_API_VERSION", "v21.0"),
			VerifyToken: os.Getenv("CLOUD_WEBHOOK_VERIFY_TOKEN"),
			AppSecret:   os.Getenv("CLOUD_APP_SECRET"),
			Timeout:     seconds("CLOUD_API_TIMEOUT_SECONDS", 15),
		},
		Events: EventsConfig{
			Sink:         strings.ToLower(getEnv("EVENTS_SINK", EventsSinkLog)),
			TopicPrefix:  getEnv("EVENTS_TOPIC_PREFIX", "gateway"),
			MQTTBroker:   os.Getenv("MQTT_BROKER_URL"),
			MQTTClientID: getEnv("MQTT_CLIENT_ID", "messaging-gateway"),
			MQTTUsername: os.Getenv("MQTT_USERNAME"),
			MQTTPassword: os.Getenv("MQTT_PASSWORD"),
		},
		Credit: CreditConfig{
			DefaultBalance: int64(intVar("CREDIT_DEFAULT_BALANCE", 1000)),
		},
		Scheduler: SchedulerConfig{
			ReconcileInterval: seconds("RECONCILE_INTERVAL_SECONDS", 60),
			ReconcileBatch:    intVar("RECONCILE_BATCH_SIZE", 100),
			SweepInterval:     seconds("PAIRING_SWEEP_SECONDS", 30),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err...)
	}
	cfg.Redis = redisCfg

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, []error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	var errs []error
	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, err)
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		errs = append(errs, err)
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, errs
}

func validate(cfg *Config) []error {
	var errs []error
	switch cfg.Database.Driver {
	case StoreDriverPostgres:
		if _, err := requireEnv("POSTGRES_URL"); err != nil {
			errs = append(errs, err)
		}
	case StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", cfg.Database.Driver))
	}

	switch cfg.Events.Sink {
	case EventsSinkLog:
	case EventsSinkRedis:
		if !cfg.Redis.Enabled {
			errs = append(errs, errors.New("EVENTS_SINK=redis requires REDIS_ADDR"))
		}
	case EventsSinkMQTT:
		if cfg.Events.MQTTBroker == "" {
			errs = append(errs, errors.New("EVENTS_SINK=mqtt requires MQTT_BROKER_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("EVENTS_SINK must be log, redis or mqtt, got %q", cfg.Events.Sink))
	}

	if cfg.Supervisor.ReconnectBase <= 0 {
		errs = append(errs, errors.New("RECONNECT_BASE_MS must be > 0"))
	}
	if cfg.Supervisor.ReconnectMax < cfg.Supervisor.ReconnectBase {
		errs = append(errs, errors.New("RECONNECT_MAX_MS must be >= RECONNECT_BASE_MS"))
	}
	if cfg.Supervisor.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("RECONNECT_MAX_ATTEMPTS must be >= 0"))
	}
	if cfg.Pairing.TTL <= 0 {
		errs = append(errs, errors.New("PAIRING_TTL_SECONDS must be > 0"))
	}
	if cfg.Pairing.QRSize <= 0 {
		errs = append(errs, errors.New("PAIRING_QR_SIZE must be > 0"))
	}
	if cfg.Credit.DefaultBalance < 0 {
		errs = append(errs, errors.New("CREDIT_DEFAULT_BALANCE must be >= 0"))
	}
	if cfg.Scheduler.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Scheduler.ReconcileBatch <= 0 {
		errs = append(errs, errors.New("RECONCILE_BATCH_SIZE must be > 0"))
	}
	if cfg.Scheduler.SweepInterval <= 0 {
		errs = append(errs, errors.New("PAIRING_SWEEP_SECONDS must be > 0"))
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT_SECONDS must be > 0"))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
