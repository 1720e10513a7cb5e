package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the daemon configuration. It is loaded once at startup and
// never mutated afterwards.
type Config struct {
	// ListenOn is the host:port the relay listener binds.
	ListenOn string
	// AdminListenOn is the host:port of the admin HTTP server
	// (health probes, metrics, status).
	AdminListenOn string

	// ReadTimeout bounds how long a session waits for request bytes.
	ReadTimeout time.Duration
	// KeepAliveTimeout bounds how long an idle session waits for the
	// next request to begin. It is independent of ReadTimeout.
	KeepAliveTimeout time.Duration
	// PollingPeriod is the fixed interval between fleet refresh cycles.
	PollingPeriod time.Duration
	// ShutdownGrace is how long open sessions get to finish after a
	// termination signal before their transports are closed.
	ShutdownGrace time.Duration

	// MaxConns caps simultaneously open sessions. Connections past the
	// cap are accepted and immediately closed, never queued.
	MaxConns int
	// AcceptRate caps accepted connections per second. Zero disables
	// the limiter.
	AcceptRate float64

	// TLSCert and TLSKey are PEM file paths. Both set enables TLS on
	// the relay listener; both empty serves plain TCP.
	TLSCert string
	TLSKey  string

	LogLevel slog.Level

	AWS AWSConfig
}

// AWSConfig parameterizes the EC2 fleet refresher.
type AWSConfig struct {
	// Region overrides the SDK's default region resolution when set.
	Region string
	// ExposeTags are instance tag keys copied into the fleet snapshot
	// and exposed as metric labels.
	ExposeTags []string
	// DescribeChunkSize is the DescribeInstances page size. Zero lets
	// the API pick. The EC2 API accepts 5 through 1000.
	DescribeChunkSize int32
}

// Load reads configuration from environment variables, applying the
// defaults baked into the deployment material. Any malformed or
// non-positive value is an error; the daemon must fail before binding
// anything rather than discover bad configuration at runtime.
func Load() (*Config, error) {
	cfg := &Config{
		ListenOn:         "0.0.0.0:9090",
		AdminListenOn:    ":9091",
		ReadTimeout:      60 * time.Second,
		KeepAliveTimeout: 1800 * time.Second,
		PollingPeriod:    10 * time.Second,
		ShutdownGrace:    10 * time.Second,
		MaxConns:         1024,
	}

	if v := os.Getenv("DEUCALION_LISTEN_ON"); v != "" {
		cfg.ListenOn = v
	}
	if _, _, err := net.SplitHostPort(cfg.ListenOn); err != nil {
		return nil, fmt.Errorf("invalid DEUCALION_LISTEN_ON %q: %w", cfg.ListenOn, err)
	}

	if v := os.Getenv("DEUCALION_ADMIN_LISTEN_ON"); v != "" {
		cfg.AdminListenOn = v
	}
	if _, _, err := net.SplitHostPort(cfg.AdminListenOn); err != nil {
		return nil, fmt.Errorf("invalid DEUCALION_ADMIN_LISTEN_ON %q: %w", cfg.AdminListenOn, err)
	}

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"DEUCALION_READ_TIMEOUT", &cfg.ReadTimeout},
		{"DEUCALION_KEEP_ALIVE_TIMEOUT", &cfg.KeepAliveTimeout},
		{"DEUCALION_POLLING_PERIOD", &cfg.PollingPeriod},
		{"DEUCALION_SHUTDOWN_GRACE", &cfg.ShutdownGrace},
	} {
		if v := os.Getenv(d.name); v != "" {
			dur, err := parseSeconds(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value %q: %w", d.name, v, err)
			}
			*d.dst = dur
		}
		if *d.dst <= 0 {
			return nil, fmt.Errorf("%s must be positive", d.name)
		}
	}

	if v := os.Getenv("DEUCALION_MAX_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DEUCALION_MAX_CONNS value %q: must be a positive integer", v)
		}
		cfg.MaxConns = n
	}

	if v := os.Getenv("DEUCALION_ACCEPT_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 {
			return nil, fmt.Errorf("invalid DEUCALION_ACCEPT_RATE value %q: must be a non-negative number", v)
		}
		cfg.AcceptRate = r
	}

	cfg.TLSCert = os.Getenv("DEUCALION_TLS_CERT")
	cfg.TLSKey = os.Getenv("DEUCALION_TLS_KEY")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("DEUCALION_TLS_CERT and DEUCALION_TLS_KEY must be set together")
	}
	if cfg.TLSCert != "" {
		for _, p := range []string{cfg.TLSCert, cfg.TLSKey} {
			if _, err := os.Stat(p); err != nil {
				return nil, fmt.Errorf("TLS material %q: %w", p, err)
			}
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return nil, err
		}
		cfg.LogLevel = level
	}

	cfg.AWS.Region = os.Getenv("DEUCALION_AWS_REGION")

	if v := os.Getenv("DEUCALION_EXPOSE_TAGS"); v != "" {
		for _, t := range strings.Split(v, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				cfg.AWS.ExposeTags = append(cfg.AWS.ExposeTags, t)
			}
		}
	}

	if v := os.Getenv("DEUCALION_DESCRIBE_CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 5 || n > 1000 {
			return nil, fmt.Errorf("invalid DEUCALION_DESCRIBE_CHUNK_SIZE value %q: must be between 5 and 1000", v)
		}
		cfg.AWS.DescribeChunkSize = int32(n)
	}

	return cfg, nil
}

// TLSEnabled reports whether the relay listener should terminate TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// parseSeconds accepts either a bare integer (seconds, the form used in
// the deployment environment) or a Go duration string like "90s".
func parseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("want seconds or a duration: %w", err)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL value %q: must be debug, info, warn, or error", s)
	}
}
