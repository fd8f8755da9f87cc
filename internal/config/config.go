package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	DB        DBConfig
	Storage   StorageConfig
	JWT       JWTConfig
	Server    ServerConfig
	Upload    UploadConfig
	Directory DirectoryConfig
	Admin     AdminConfig
	Metrics   MetricsConfig
}

type DBConfig struct {
	Driver     string `validate:"oneof=postgres sqlite"`
	Host       string `validate:"required_if=Driver postgres"`
	Port       string `validate:"required_if=Driver postgres"`
	User       string
	Password   string
	Name       string `validate:"required_if=Driver postgres"`
	SSLMode    string
	SQLitePath string `validate:"required_if=Driver sqlite"`
}

type StorageConfig struct {
	Driver         string `validate:"oneof=minio s3 memory"`
	Endpoint       string `validate:"required_if=Driver minio"`
	PublicEndpoint string
	AccessKey      string
	SecretKey      string
	Bucket         string `validate:"required"`
	Region         string
	UseSSL         bool
	PresignExpiry  time.Duration `validate:"gt=0"`
}

type JWTConfig struct {
	Secret          string `validate:"required"`
	ExpirationHours int    `validate:"gt=0"`
}

type ServerConfig struct {
	Port           string `validate:"required"`
	AllowedOrigins string
	BodyLimitBytes int `validate:"gt=0"`
}

type UploadConfig struct {
	MaxSizeBytes        int64         `validate:"gt=0"`
	AllowedContentTypes []string      `validate:"min=1,dive,required"`
	PendingTTL          time.Duration `validate:"gt=0"`
	ReapInterval        time.Duration `validate:"gt=0"`
	VerifyOnConfirm     bool
}

// DeletePolicy controls what happens when a non-empty directory is deleted.
type DeletePolicy string

const (
	DeletePolicyCascade DeletePolicy = "cascade"
	DeletePolicyReject  DeletePolicy = "reject"
)

type DirectoryConfig struct {
	DeletePolicy DeletePolicy `validate:"oneof=cascade reject"`
}

type AdminConfig struct {
	Email    string `validate:"omitempty,email"`
	Password string
}

type MetricsConfig struct {
	Enabled bool
}

var validate = validator.New()

// Load reads configuration from the environment, optionally layered over
// the YAML/TOML file named by CONFIG_FILE. Environment variables win.
func Load() *Config {
	cfg, err := LoadWithError()
	if err != nil {
		panic(err)
	}
	return cfg
}

func LoadWithError() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed reading config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		DB: DBConfig{
			Driver:     strings.ToLower(v.GetString("DB_DRIVER")),
			Host:       v.GetString("DB_HOST"),
			Port:       v.GetString("DB_PORT"),
			User:       v.GetString("DB_USER"),
			Password:   v.GetString("DB_PASSWORD"),
			Name:       v.GetString("DB_NAME"),
			SSLMode:    v.GetString("DB_SSLMODE"),
			SQLitePath: v.GetString("DB_SQLITE_PATH"),
		},
		Storage: StorageConfig{
			Driver:         strings.ToLower(v.GetString("STORAGE_DRIVER")),
			Endpoint:       v.GetString("STORAGE_ENDPOINT"),
			PublicEndpoint: v.GetString("STORAGE_PUBLIC_ENDPOINT"),
			AccessKey:      v.GetString("STORAGE_ACCESS_KEY"),
			SecretKey:      v.GetString("STORAGE_SECRET_KEY"),
			Bucket:         v.GetString("STORAGE_BUCKET"),
			Region:         v.GetString("STORAGE_REGION"),
			UseSSL:         v.GetBool("STORAGE_USE_SSL"),
			PresignExpiry:  v.GetDuration("STORAGE_PRESIGN_EXPIRY"),
		},
		JWT: JWTConfig{
			Secret:          v.GetString("JWT_SECRET"),
			ExpirationHours: v.GetInt("JWT_EXPIRATION_HOURS"),
		},
		Server: ServerConfig{
			Port:           v.GetString("SERVER_PORT"),
			AllowedOrigins: v.GetString("ALLOWED_ORIGINS"),
			BodyLimitBytes: v.GetInt("SERVER_BODY_LIMIT_BYTES"),
		},
		Upload: UploadConfig{
			MaxSizeBytes:        v.GetInt64("UPLOAD_MAX_SIZE_MB") * 1024 * 1024,
			AllowedContentTypes: splitList(v.GetString("UPLOAD_ALLOWED_CONTENT_TYPES")),
			PendingTTL:          v.GetDuration("UPLOAD_PENDING_TTL"),
			ReapInterval:        v.GetDuration("UPLOAD_REAP_INTERVAL"),
			VerifyOnConfirm:     v.GetBool("UPLOAD_VERIFY_ON_CONFIRM"),
		},
		Directory: DirectoryConfig{
			DeletePolicy: DeletePolicy(strings.ToLower(v.GetString("DIRECTORY_DELETE_POLICY"))),
		},
		Admin: AdminConfig{
			Email:    v.GetString("ADMIN_EMAIL"),
			Password: v.GetString("ADMIN_PASSWORD"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("METRICS_ENABLED"),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "storageinator")
	v.SetDefault("DB_PASSWORD", "storageinator_secret")
	v.SetDefault("DB_NAME", "storageinator")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_SQLITE_PATH", "storageinator.db")

	v.SetDefault("STORAGE_DRIVER", "minio")
	v.SetDefault("STORAGE_ENDPOINT", "localhost:9000")
	v.SetDefault("STORAGE_ACCESS_KEY", "minioadmin")
	v.SetDefault("STORAGE_SECRET_KEY", "minioadmin")
	v.SetDefault("STORAGE_BUCKET", "storageinator")
	v.SetDefault("STORAGE_REGION", "us-east-1")
	v.SetDefault("STORAGE_USE_SSL", false)
	v.SetDefault("STORAGE_PRESIGN_EXPIRY", time.Hour)

	v.SetDefault("JWT_SECRET", "change-me-in-production")
	v.SetDefault("JWT_EXPIRATION_HOURS", 24)

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")
	v.SetDefault("SERVER_BODY_LIMIT_BYTES", 1024*1024)

	v.SetDefault("UPLOAD_MAX_SIZE_MB", 100)
	v.SetDefault("UPLOAD_ALLOWED_CONTENT_TYPES", "image/jpeg,image/png,image/gif,application/pdf,text/plain,application/zip,video/mp4,video/webm,video/ogg")
	v.SetDefault("UPLOAD_PENDING_TTL", 24*time.Hour)
	v.SetDefault("UPLOAD_REAP_INTERVAL", 15*time.Minute)
	v.SetDefault("UPLOAD_VERIFY_ON_CONFIRM", true)

	v.SetDefault("DIRECTORY_DELETE_POLICY", string(DeletePolicyCascade))

	v.SetDefault("ADMIN_EMAIL", "admin@example.com")
	v.SetDefault("ADMIN_PASSWORD", "changeme123")

	v.SetDefault("METRICS_ENABLED", true)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks struct tags and returns the first failure in a readable
// form.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("config %s: validation failed on '%s' (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
