// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// Detector backends.
const (
	BackendGRPC = "grpc"
	BackendHTTP = "http"
	BackendGoCV = "gocv"
)

type Config struct {
	HTTPAddr string

	ModelPath   string
	ClassesPath string

	DefaultConfidence float64
	VoteWindow        int
	VoteMin           int
	VoteTTL           time.Duration
	VoteSweepInterval time.Duration

	DetectorBackend string
	DetectorAddr    string
	DetectorURL     string
	DetectorTimeout time.Duration

	DatabaseDSN string
	RedisAddr   string

	JWTSecret   string
	JWTAudience string

	MaxBodyBytes int64
	CORSOrigins  []string

	LogLevel string
	LogFile  string

	// Warnings lists values that could not be parsed and fell back to defaults.
	Warnings []string
}

// Load reads an optional .env file from the working directory and then the
// process environment. Unparsable values fall back to their defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromLookup(os.LookupEnv), nil
}

// FromLookup builds a Config from an arbitrary lookup function.
func FromLookup(lookup func(string) (string, bool)) *Config {
	l := loader{lookup: lookup}
	cfg := &Config{
		HTTPAddr:          l.str("HTTP_ADDR", ":8000"),
		ModelPath:         l.str("YOLO_MODEL_PATH", "models/yolo_model.pt"),
		ClassesPath:       l.str("YOLO_CLASSES_PATH", ""),
		DefaultConfidence: lo.Clamp(l.float("YOLO_CONF", 0.60), 0, 1),
		VoteWindow:        l.int("YOLO_VOTE_WINDOW", 10),
		VoteMin:           l.int("YOLO_VOTE_MIN", 6),
		VoteTTL:           l.duration("YOLO_VOTE_TTL", 0),
		VoteSweepInterval: l.duration("YOLO_VOTE_SWEEP_INTERVAL", time.Minute),
		DetectorBackend:   strings.ToLower(l.str("DETECTOR_BACKEND", BackendGRPC)),
		DetectorAddr:      l.str("DETECTOR_ADDR", "localhost:50051"),
		DetectorURL:       l.str("DETECTOR_URL", "http://127.0.0.1:5000"),
		DetectorTimeout:   l.duration("DETECTOR_TIMEOUT", 20*time.Second),
		DatabaseDSN:       l.str("DATABASE_DSN", ""),
		RedisAddr:         l.str("REDIS_ADDR", ""),
		JWTSecret:         l.str("JWT_SECRET", ""),
		JWTAudience:       l.str("JWT_AUDIENCE", ""),
		MaxBodyBytes:      l.int64("MAX_BODY_BYTES", 20<<20),
		CORSOrigins:       splitList(l.str("CORS_ORIGINS", "*")),
		LogLevel:          l.str("LOG_LEVEL", "info"),
		LogFile:           l.str("LOG_FILE", ""),
	}
	cfg.Warnings = l.warnings
	return cfg
}

type loader struct {
	lookup   func(string) (string, bool)
	warnings []string
}

func (l *loader) raw(key string) (string, bool) {
	value, ok := l.lookup(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (l *loader) str(key, fallback string) string {
	if value, ok := l.raw(key); ok {
		return value
	}
	return fallback
}

func (l *loader) int(key string, fallback int) int {
	value, ok := l.raw(key)
	if !ok {
		return fallback
	}
	parsed, err := cast.ToIntE(value)
	if err != nil {
		l.warn(key, value, err)
		return fallback
	}
	return parsed
}

func (l *loader) int64(key string, fallback int64) int64 {
	value, ok := l.raw(key)
	if !ok {
		return fallback
	}
	parsed, err := cast.ToInt64E(value)
	if err != nil {
		l.warn(key, value, err)
		return fallback
	}
	return parsed
}

func (l *loader) float(key string, fallback float64) float64 {
	value, ok := l.raw(key)
	if !ok {
		return fallback
	}
	parsed, err := cast.ToFloat64E(value)
	if err != nil {
		l.warn(key, value, err)
		return fallback
	}
	return parsed
}

func (l *loader) duration(key string, fallback time.Duration) time.Duration {
	value, ok := l.raw(key)
	if !ok {
		return fallback
	}
	parsed, err := cast.ToDurationE(value)
	if err != nil {
		l.warn(key, value, err)
		return fallback
	}
	return parsed
}

func (l *loader) warn(key, value string, err error) {
	l.warnings = append(l.warnings, fmt.Sprintf("%s=%q: %v", key, value, err))
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
