// Package config holds the env-first configuration helpers shared by the jobs.
// Flags default to the environment value, so `-x` always overrides `X`.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"marketplace-listing-sync/listing"
)

// LoadDotEnv loads .env.local when APP_ENV=local, then .env. Files that do not
// exist are ignored and variables already set in the process always win. It
// returns the files actually loaded.
func LoadDotEnv() ([]string, error) {
	var candidates []string
	if strings.EqualFold(strings.TrimSpace(os.Getenv("APP_ENV")), "local") {
		candidates = append(candidates, ".env.local")
	}
	candidates = append(candidates, ".env")

	var loaded []string
	for _, f := range candidates {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return loaded, err
		}
		loaded = append(loaded, f)
	}
	return loaded, nil
}

func String(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func Int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func Float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func Bool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// Duration accepts Go durations ("25s") or plain seconds ("25").
func Duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// List splits a comma-separated value, dropping blanks.
func List(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Require returns a ConfigurationError naming every key whose value is blank.
// vals maps env key → resolved value (flag or env).
func Require(keys []string, vals map[string]string) error {
	var missing []string
	for _, k := range keys {
		if strings.TrimSpace(vals[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &listing.ConfigurationError{Missing: missing}
	}
	return nil
}
