package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	apperrors "github.com/gmsas95/dosekeeper/internal/errors"
)

const envPrefix = "DOSEKEEPER"

// Secrets are often exported under the names other tools use
var envAliases = map[string][]string{
	"DOSEKEEPER_NOTIFY_TELEGRAM_BOT_TOKEN": {"TELEGRAM_BOT_TOKEN"},
	"DOSEKEEPER_NOTIFY_DISCORD_TOKEN":      {"DISCORD_BOT_TOKEN", "DISCORD_TOKEN"},
	"DOSEKEEPER_SECURITY_JWT_SECRET":       {"DOSEKEEPER_JWT_SECRET", "JWT_SECRET"},
}

// dotenv holds the variables read from .env files, keyed by upper case name.
// The process environment always takes precedence.
type dotenv map[string]string

// dotenvPaths lists the .env files in lookup order. The first file that sets
// a variable wins.
func dotenvPaths(dataDir string) []string {
	paths := []string{filepath.Join(dataDir, ".env"), ".env"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "dosekeeper", ".env"))
	}
	return paths
}

func loadDotenv(dataDir string) (dotenv, error) {
	out := dotenv{}
	for _, path := range dotenvPaths(dataDir) {
		if _, err := os.Stat(path); err != nil {
			continue
		}

		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrConfigInvalid.Code, "failed to read "+path)
		}
		for _, key := range v.AllKeys() {
			name := strings.ToUpper(key)
			if _, ok := out[name]; !ok {
				out[name] = v.GetString(key)
			}
		}
	}
	return out, nil
}

// envName maps a config key such as schedule.horizon_days to
// DOSEKEEPER_SCHEDULE_HORIZON_DAYS
func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// apply copies dotenv values onto every known config key the process
// environment leaves unset
func (d dotenv) apply(v *viper.Viper) {
	if len(d) == 0 {
		return
	}
	for _, key := range v.AllKeys() {
		name := envName(key)
		if os.Getenv(name) != "" {
			continue
		}
		if val, ok := d[name]; ok {
			v.Set(key, val)
		}
	}
}

// lookup returns the first of name and its aliases set in the environment,
// then the first set in a .env file
func (d dotenv) lookup(name string) string {
	keys := append([]string{name}, envAliases[name]...)
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	for _, key := range keys {
		if val := d[key]; val != "" {
			return val
		}
	}
	return ""
}
