// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "audio2mp4/internal/pkg/errors"
)

// Config holds every setting of the API and the CLI.
type Config struct {
	Server    ServerConfig
	Upload    UploadConfig
	FFmpeg    FFmpegConfig
	Retention RetentionConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Log       LogConfig

	ShutdownTimeout time.Duration
}

type ServerConfig struct {
	Port        string
	CORSOrigins []string
}

type UploadConfig struct {
	MaxFileMB  int64
	MaxTotalMB int64
}

func (u UploadConfig) MaxFileBytes() int64  { return u.MaxFileMB << 20 }
func (u UploadConfig) MaxTotalBytes() int64 { return u.MaxTotalMB << 20 }

type FFmpegConfig struct {
	Path string
	// Timeout bounds each tool run; zero means no bound.
	Timeout time.Duration
}

type RetentionConfig struct {
	Window        time.Duration
	WorkRoot      string
	SweepSchedule string
}

type StorageConfig struct {
	// Provider is "", "localfs" or "gdrive". Empty disables archiving.
	Provider  string
	LocalRoot string
	GDrive    GDriveConfig
}

type GDriveConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	FolderID     string
}

type RedisConfig struct {
	Addr          string
	ChannelPrefix string
}

type DatabaseConfig struct {
	URL string
}

type LogConfig struct {
	Level  string
	Format string
	Source bool
}

// Load reads the configuration like Read and validates it.
func Load(envFile string) (*Config, error) {
	cfg, err := Read(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read reads envFile when it exists, then the environment. Variables already
// set in the environment win over the file.
func Read(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, apperrors.Wrap(err, "config.load", "failed to load "+envFile)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetString("SERVER_PORT"),
			CORSOrigins: splitList(v.GetString("CORS_ORIGIN")),
		},
		Upload: UploadConfig{
			MaxFileMB:  v.GetInt64("MAX_FILE_MB"),
			MaxTotalMB: v.GetInt64("MAX_TOTAL_MB"),
		},
		FFmpeg: FFmpegConfig{
			Path:    v.GetString("FFMPEG_PATH"),
			Timeout: v.GetDuration("FFMPEG_TIMEOUT"),
		},
		Retention: RetentionConfig{
			Window:        time.Duration(v.GetInt("CLEANUP_MINUTES")) * time.Minute,
			WorkRoot:      v.GetString("WORK_ROOT"),
			SweepSchedule: v.GetString("SWEEP_SCHEDULE"),
		},
		Storage: StorageConfig{
			Provider:  strings.ToLower(v.GetString("STORAGE_PROVIDER")),
			LocalRoot: v.GetString("STORAGE_LOCAL_ROOT"),
			GDrive: GDriveConfig{
				ClientID:     v.GetString("GDRIVE_CLIENT_ID"),
				ClientSecret: v.GetString("GDRIVE_CLIENT_SECRET"),
				RefreshToken: v.GetString("GDRIVE_REFRESH_TOKEN"),
				FolderID:     v.GetString("GDRIVE_FOLDER_ID"),
			},
		},
		Redis: RedisConfig{
			Addr:          v.GetString("REDIS_ADDR"),
			ChannelPrefix: v.GetString("REDIS_CHANNEL_PREFIX"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("DATABASE_URL"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
			Source: v.GetBool("LOG_SOURCE"),
		},
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("CORS_ORIGIN", "http://localhost:5173")
	v.SetDefault("MAX_FILE_MB", 100)
	v.SetDefault("MAX_TOTAL_MB", 600)
	v.SetDefault("CLEANUP_MINUTES", 15)
	v.SetDefault("FFMPEG_PATH", "ffmpeg")
	v.SetDefault("FFMPEG_TIMEOUT", "0s")
	v.SetDefault("WORK_ROOT", os.TempDir())
	v.SetDefault("SWEEP_SCHEDULE", "@every 10m")
	v.SetDefault("STORAGE_PROVIDER", "")
	v.SetDefault("STORAGE_LOCAL_ROOT", "")
	v.SetDefault("GDRIVE_CLIENT_ID", "")
	v.SetDefault("GDRIVE_CLIENT_SECRET", "")
	v.SetDefault("GDRIVE_REFRESH_TOKEN", "")
	v.SetDefault("GDRIVE_FOLDER_ID", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_CHANNEL_PREFIX", "audio2mp4:events:")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_SOURCE", false)
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Upload.MaxFileMB <= 0 || c.Upload.MaxTotalMB <= 0:
		return apperrors.Validation("MAX_FILE_MB and MAX_TOTAL_MB must be positive")
	case c.Retention.Window <= 0:
		return apperrors.Validation("CLEANUP_MINUTES must be positive")
	case c.FFmpeg.Path == "":
		return apperrors.Validation("FFMPEG_PATH must not be empty")
	case c.FFmpeg.Timeout < 0:
		return apperrors.Validation("FFMPEG_TIMEOUT must not be negative")
	}

	switch c.Storage.Provider {
	case "":
	case "localfs":
		if c.Storage.LocalRoot == "" {
			return apperrors.Validation("STORAGE_LOCAL_ROOT is required for the localfs provider")
		}
	case "gdrive":
		g := c.Storage.GDrive
		if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" {
			return apperrors.Validation("GDRIVE_CLIENT_ID, GDRIVE_CLIENT_SECRET and GDRIVE_REFRESH_TOKEN are required for the gdrive provider")
		}
	default:
		return apperrors.Validationf("unknown storage provider: %s", c.Storage.Provider)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
