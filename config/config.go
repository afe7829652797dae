package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Gateway  GatewayConfig
	Binding  BindingConfig
	Bridge   BridgeConfig
	Capture  CaptureConfig
	Storage  StorageConfig
	AWS      AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds ledger database settings. The default is an on-device
// SQLite file; set DB_DRIVER=pgx and DB_DSN for PostgreSQL.
type DatabaseConfig struct {
	Driver string // "sqlite3" or "pgx"
	DSN    string // connection string, or file path for sqlite3
}

// RedisConfig holds Redis connection settings. Addr empty disables the
// Redis event relay.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds device-token signing settings.
type JWTConfig struct {
	Secret      string
	DeviceID    string
	ExpireHours int
}

// GatewayConfig points at the upload gateway.
type GatewayConfig struct {
	BaseURL string
}

// BindingConfig points at the project/meeting backend.
type BindingConfig struct {
	BaseURL string
}

// BridgeConfig holds companion-link settings.
type BridgeConfig struct {
	// PeerURL is the websocket URL the companion dials, e.g. ws://host:8080/bridge.
	PeerURL string
	// SpoolDir holds files awaiting transfer to the primary device.
	SpoolDir string
}

// CaptureConfig holds audio capture settings.
type CaptureConfig struct {
	FFmpegBinary string
	// InputArgs select the audio source, e.g. "-f alsa -i default".
	InputArgs []string
}

// StorageConfig holds the local recording directory.
type StorageConfig struct {
	RecordingsDir string
}

// AWSConfig holds credentials and the bucket for the dev upload gateway.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	dataDir := getEnv("DATA_DIR", "data")

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "sqlite3"),
			DSN:    getEnv("DB_DSN", filepath.Join(dataDir, "recordings.db")),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			DeviceID:    getEnv("DEVICE_ID", "dev-device"),
			ExpireHours: jwtExpire,
		},
		Gateway: GatewayConfig{
			BaseURL: getEnv("GATEWAY_BASE_URL", "http://localhost:8090"),
		},
		Binding: BindingConfig{
			BaseURL: getEnv("BINDING_BASE_URL", "http://localhost:8090"),
		},
		Bridge: BridgeConfig{
			PeerURL:  getEnv("BRIDGE_PEER_URL", "ws://localhost:8080/bridge"),
			SpoolDir: getEnv("BRIDGE_SPOOL_DIR", filepath.Join(dataDir, "spool")),
		},
		Capture: CaptureConfig{
			FFmpegBinary: getEnv("FFMPEG_BINARY", "ffmpeg"),
			InputArgs:    splitArgs(getEnv("FFMPEG_INPUT_ARGS", "-f lavfi -i anullsrc=r=44100:cl=mono")),
		},
		Storage: StorageConfig{
			RecordingsDir: getEnv("RECORDINGS_DIR", filepath.Join(dataDir, "recordings")),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "voicevault-recordings"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitArgs(s string) []string {
	return strings.Fields(s)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
