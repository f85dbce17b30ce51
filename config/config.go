package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Password policies for the local password column.
const (
	PasswordPolicyNone   = "none"
	PasswordPolicyHashed = "hashed"
)

// Backend selectors for the optional integrations.
const (
	BackendNone     = "none"
	BackendRabbitMQ = "rabbitmq"
	BackendPubSub   = "pubsub"
	BackendMinio    = "minio"
	BackendGCS      = "gcs"
)

type Config struct {
	ServerPort     int    `env:"SERVER_PORT" envDefault:"8080"`
	PasswordPolicy string `env:"PASSWORD_POLICY" envDefault:"none"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"text"`
	OTLPEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Database DatabaseConfig
	Auth     AuthConfig
	IDP      IDPConfig
	MQ       MQConfig
	Storage  StorageConfig
}

type DatabaseConfig struct {
	Host           string        `env:"DB_HOST" envDefault:"localhost"`
	Port           int           `env:"DB_PORT" envDefault:"5432"`
	User           string        `env:"DB_USER" envDefault:"authgate"`
	Password       string        `env:"DB_PASSWORD" envDefault:"password"`
	DBName         string        `env:"DB_NAME" envDefault:"authgate_db"`
	UseSSL         bool          `env:"DB_SSL" envDefault:"false"`
	MaxOpenConns   int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns   int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	AcquireTimeout time.Duration `env:"DB_ACQUIRE_TIMEOUT" envDefault:"5s"`
}

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	PublicKeyFile string `env:"AUTH_PUBLIC_KEY_FILE"`
	Audience      string `env:"AUTH_AUDIENCE"`
	Issuer        string `env:"AUTH_ISSUER"`
	SubjectPrefix string `env:"AUTH_SUBJECT_PREFIX" envDefault:"auth0|"`
}

// IDPConfig configures the identity provider REST client.
type IDPConfig struct {
	BaseURL      string        `env:"IDP_BASE_URL"`
	ClientID     string        `env:"IDP_CLIENT_ID"`
	ClientSecret string        `env:"IDP_CLIENT_SECRET"`
	Connection   string        `env:"IDP_CONNECTION" envDefault:"Username-Password-Authentication"`
	Scope        string        `env:"IDP_SCOPE" envDefault:"openid profile email"`
	Timeout      time.Duration `env:"IDP_TIMEOUT" envDefault:"10s"`
}

type MQConfig struct {
	Backend              string `env:"MQ_BACKEND" envDefault:"none"`
	EventsChannel        string `env:"MQ_EVENTS_CHANNEL" envDefault:"authgate.user-events"`
	EmailVerifiedChannel string `env:"MQ_EMAIL_VERIFIED_CHANNEL" envDefault:"authgate.email-verified"`

	RabbitMQ RabbitMQConfig
	PubSub   PubSubConfig
}

type RabbitMQConfig struct {
	URL             string `env:"RABBITMQ_URL"`
	QueueDurable    bool   `env:"RABBITMQ_QUEUE_DURABLE" envDefault:"true"`
	QueueAutoDelete bool   `env:"RABBITMQ_QUEUE_AUTO_DELETE" envDefault:"false"`
	PrefetchCount   int    `env:"RABBITMQ_PREFETCH" envDefault:"10"`
}

type PubSubConfig struct {
	ProjectID          string        `env:"PUBSUB_PROJECT_ID"`
	CredentialsFile    string        `env:"PUBSUB_CREDENTIALS_FILE"`
	SubscriptionSuffix string        `env:"PUBSUB_SUBSCRIPTION_SUFFIX" envDefault:"-sub"`
	MaxOutstanding     int           `env:"PUBSUB_MAX_OUTSTANDING" envDefault:"10"`
	AckDeadline        time.Duration `env:"PUBSUB_ACK_DEADLINE" envDefault:"30s"`
}

type StorageConfig struct {
	Backend string `env:"STORAGE_BACKEND" envDefault:"none"`

	Minio MinioConfig
	GCS   GCSConfig
}

type MinioConfig struct {
	Endpoint  string `env:"MINIO_ENDPOINT"`
	AccessKey string `env:"MINIO_ACCESS_KEY"`
	SecretKey string `env:"MINIO_SECRET_KEY"`
	Bucket    string `env:"MINIO_BUCKET" envDefault:"authgate-archive"`
	UseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
}

type GCSConfig struct {
	ProjectID       string `env:"GCS_PROJECT_ID"`
	Bucket          string `env:"GCS_BUCKET"`
	CredentialsFile string `env:"GCS_CREDENTIALS_FILE"`
}

// LoadConfig reads the configuration from the environment. In dev mode a
// local .env file is merged in first.
func LoadConfig() (Config, error) {
	if os.Getenv("ENV") == "dev" {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports configuration that would prevent the server from serving
// authenticated routes.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.PublicKeyFile) == "" {
		errs = append(errs, errors.New("AUTH_PUBLIC_KEY_FILE is required"))
	}
	if strings.TrimSpace(c.Auth.Audience) == "" {
		errs = append(errs, errors.New("AUTH_AUDIENCE is required"))
	}
	if strings.TrimSpace(c.IDP.BaseURL) == "" {
		errs = append(errs, errors.New("IDP_BASE_URL is required"))
	}
	switch c.PasswordPolicy {
	case PasswordPolicyNone, PasswordPolicyHashed:
	default:
		errs = append(errs, fmt.Errorf("unknown PASSWORD_POLICY %q", c.PasswordPolicy))
	}
	switch c.MQ.Backend {
	case BackendNone, BackendRabbitMQ, BackendPubSub:
	default:
		errs = append(errs, fmt.Errorf("unknown MQ_BACKEND %q", c.MQ.Backend))
	}
	switch c.Storage.Backend {
	case BackendNone, BackendMinio, BackendGCS:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}
	if c.Database.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("DB_MAX_OPEN_CONNS must be positive"))
	}
	if c.Database.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("DB_ACQUIRE_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// DSN builds the postgres connection URL.
func (d DatabaseConfig) DSN() string {
	sslmode := "disable"
	if d.UseSSL {
		sslmode = "require"
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		User:   url.UserPassword(d.User, d.Password),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String()
}
