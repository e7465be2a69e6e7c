package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvTelegramToken = "MEDIACAST_TELEGRAM_TOKEN"
	EnvRedisURL      = "MEDIACAST_REDIS_URL"
	EnvStorageDSN    = "MEDIACAST_STORAGE_DSN"
)

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables
// that are already set win. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&c.Telegram.Token, EnvTelegramToken)
	set(&c.Broker.URL, EnvRedisURL)
	set(&c.Storage.DSN, EnvStorageDSN)
}
