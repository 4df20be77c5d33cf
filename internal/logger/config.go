package logger

import (
	"os"
	"strconv"
)

const defaultService = "catalogsync"

// EnvConfig is the logger configuration read from LOG_* variables.
type EnvConfig struct {
	Level       string // LOG_LEVEL
	Format      string // LOG_FORMAT: json or text
	ServiceName string // SERVICE_NAME
	Environment string // APP_ENV: local disables file output

	LogFile     string // LOG_FILE
	LogFileOnly bool   // LOG_FILE_ONLY

	MaxSizeMB  int  // LOG_MAX_SIZE
	MaxBackups int  // LOG_MAX_BACKUPS
	MaxAgeDays int  // LOG_MAX_AGE
	Compress   bool // LOG_COMPRESS
}

// LoadFromEnv reads EnvConfig, falling back to defaults for unset or
// malformed values.
func LoadFromEnv() *EnvConfig {
	return &EnvConfig{
		Level:       envString("LOG_LEVEL", "info"),
		Format:      envString("LOG_FORMAT", "json"),
		ServiceName: envString("SERVICE_NAME", defaultService),
		Environment: envString("APP_ENV", "local"),
		LogFile:     envString("LOG_FILE", "/var/log/catalogsync/syncd.log"),
		LogFileOnly: envBool("LOG_FILE_ONLY", false),
		MaxSizeMB:   envInt("LOG_MAX_SIZE", 100),
		MaxBackups:  envInt("LOG_MAX_BACKUPS", 7),
		MaxAgeDays:  envInt("LOG_MAX_AGE", 30),
		Compress:    envBool("LOG_COMPRESS", true),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	i, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return i
}
