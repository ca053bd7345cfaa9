package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config aggregates every setting of the server process.
type Config struct {
	Server  ServerConfig
	Auth    AuthConfig
	Session SessionConfig
	Video   VideoConfig
	Static  StaticConfig
	Log     LogConfig
}

// ServerConfig describes the TCP listener.
type ServerConfig struct {
	Addr            string
	RequestTimeout  time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// MaxLineBytes caps a request, header or activation line, terminator
	// included.
	MaxLineBytes int
}

// AuthConfig locates the flat-file credential store.
type AuthConfig struct {
	PasswordFile string
	// FailOpen accepts every login when the store cannot be opened.
	FailOpen bool
}

// SessionConfig controls session lifetime and the expiry sweep.
type SessionConfig struct {
	TTL           time.Duration
	SweepSchedule string
}

// VideoConfig controls the ATP video channel.
type VideoConfig struct {
	WaitTimeout   time.Duration
	MaxFrameBytes int
}

// StaticConfig locates the static document root.
type StaticConfig struct {
	Root string
}

// LogConfig selects logrus level and formatter.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment. When CONFIG_FILE names a
// YAML file its keys act as defaults that environment variables override.
func Load() (*Config, error) {
	src, err := newSource(strings.TrimSpace(os.Getenv("CONFIG_FILE")))
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig(src)
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig(src)
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig(src)
	if err != nil {
		return nil, err
	}

	video, err := loadVideoConfig(src)
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig(src)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Auth:    auth,
		Session: session,
		Video:   video,
		Static:  StaticConfig{Root: src.getOrDefault("WWW_ROOT", "www")},
		Log:     logCfg,
	}, nil
}

// loadServerConfig resolves the listen address from HOST and PORT.
func loadServerConfig(src source) (ServerConfig, error) {
	port := src.getOrDefault("PORT", "8080")
	host := src.get("HOST")

	var addr string
	switch {
	case strings.Contains(port, ":"):
		// PORT may carry a full ":8080" or "127.0.0.1:8080" address.
		addr = port
	case strings.Contains(port, " "):
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	default:
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return ServerConfig{}, fmt.Errorf("invalid PORT value %q: %w", port, err)
		}
		addr = net.JoinHostPort(host, port)
	}

	requestTimeout, err := src.parseDuration("REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}
	writeTimeout, err := src.parseDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}
	shutdownTimeout, err := src.parseDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	maxLine, err := src.parseInt("MAX_LINE_BYTES", 2048)
	if err != nil {
		return ServerConfig{}, err
	}
	if maxLine < 64 {
		return ServerConfig{}, fmt.Errorf("MAX_LINE_BYTES must be at least 64, got %d", maxLine)
	}

	return ServerConfig{
		Addr:            addr,
		RequestTimeout:  requestTimeout,
		WriteTimeout:    writeTimeout,
		ShutdownTimeout: shutdownTimeout,
		MaxLineBytes:    maxLine,
	}, nil
}

func loadAuthConfig(src source) (AuthConfig, error) {
	failOpen, err := src.parseBool("AUTH_FAIL_OPEN", false)
	if err != nil {
		return AuthConfig{}, err
	}
	return AuthConfig{
		PasswordFile: src.getOrDefault("PASSWORD_FILE", "users.txt"),
		FailOpen:     failOpen,
	}, nil
}

func loadSessionConfig(src source) (SessionConfig, error) {
	ttl, err := src.parseDuration("SESSION_TTL", 24*time.Hour)
	if err != nil {
		return SessionConfig{}, err
	}
	if ttl <= 0 {
		return SessionConfig{}, fmt.Errorf("SESSION_TTL must be positive, got %s", ttl)
	}
	return SessionConfig{
		TTL:           ttl,
		SweepSchedule: src.getOrDefault("SWEEP_SCHEDULE", "@every 1m"),
	}, nil
}

func loadVideoConfig(src source) (VideoConfig, error) {
	wait, err := src.parseDuration("VIDEO_WAIT_TIMEOUT", 5*time.Second)
	if err != nil {
		return VideoConfig{}, err
	}
	if wait <= 0 {
		return VideoConfig{}, fmt.Errorf("VIDEO_WAIT_TIMEOUT must be positive, got %s", wait)
	}

	maxFrame, err := src.parseInt("VIDEO_MAX_FRAME_BYTES", 16<<20)
	if err != nil {
		return VideoConfig{}, err
	}
	if maxFrame < 1 {
		return VideoConfig{}, fmt.Errorf("VIDEO_MAX_FRAME_BYTES must be positive, got %d", maxFrame)
	}

	return VideoConfig{WaitTimeout: wait, MaxFrameBytes: maxFrame}, nil
}

func loadLogConfig(src source) (LogConfig, error) {
	format := strings.ToLower(src.getOrDefault("LOG_FORMAT", "text"))
	if format != "text" && format != "json" {
		return LogConfig{}, fmt.Errorf("invalid LOG_FORMAT value %q: want text or json", format)
	}
	return LogConfig{
		Level:  strings.ToLower(src.getOrDefault("LOG_LEVEL", "info")),
		Format: format,
	}, nil
}

// source resolves a key from the environment first and the config file second.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	if path == "" {
		return source{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return source{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	file := make(map[string]string, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		file[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(fmt.Sprint(value))
	}
	return source{file: file}, nil
}

func (s source) get(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return s.file[key]
}

func (s source) getOrDefault(key, defaultValue string) string {
	if value := s.get(key); value != "" {
		return value
	}
	return defaultValue
}

func (s source) parseBool(key string, defaultValue bool) (bool, error) {
	raw := s.get(key)
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func (s source) parseInt(key string, defaultValue int) (int, error) {
	raw := s.get(key)
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDuration accepts Go durations ("90s") or a bare number of seconds.
func (s source) parseDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := s.get(key)
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
