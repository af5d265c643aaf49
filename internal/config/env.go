package config

import (
	"fmt"
	"strconv"
	"strings"
)

type lookupFunc func(string) (string, bool)

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyEnv overrides cfg from the environment. Malformed numeric values are
// reported rather than silently ignored.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}
	size := func(name string, dst *SizeBytes) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		s, err := parseSize(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if s > 0 {
			*dst = s
		}
		return nil
	}
	duration := func(name string, dst *Duration) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d > 0 {
			*dst = d
		}
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
		return nil
	}

	str("SERVER_PORT", &cfg.Server.Port)
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.Server.AllowedOrigins = parseOrigins(v)
	}
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("JWKS_URL", &cfg.Auth.JWKSURL)
	str("JWT_ISSUER", &cfg.Auth.Issuer)
	str("AUTH_COOKIE_NAME", &cfg.Auth.CookieName)
	str("ADMIN_ROLE", &cfg.Auth.AdminRole)
	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("STORAGE_PATH", &cfg.Storage.Path)
	str("STORAGE_URL", &cfg.Storage.URL)
	str("STORAGE_PREFIX", &cfg.Storage.Prefix)
	str("FANOUT_BACKEND", &cfg.Fanout.Backend)
	str("FANOUT_URL", &cfg.Fanout.URL)
	str("FANOUT_SUBJECT", &cfg.Fanout.Subject)
	str("NODE_ID", &cfg.Fanout.NodeID)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("METRICS_PATH", &cfg.Metrics.Path)
	str("OTEL_SERVICE_NAME", &cfg.Tracing.ServiceName)

	steps := []error{
		size("MAX_MESSAGE_SIZE", &cfg.Server.MaxMessageSize),
		integer("SEND_BUFFER_SIZE", &cfg.Server.SendBufferSize),
		integer("RATE_LIMIT_BURST", &cfg.Server.RateLimit.Burst),
		duration("RATE_LIMIT_REFILL_INTERVAL", &cfg.Server.RateLimit.RefillInterval),
		duration("READ_TIMEOUT", &cfg.Server.ReadTimeout),
		duration("WRITE_TIMEOUT", &cfg.Server.WriteTimeout),
		duration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout),
		boolean("TEST_PAGE", &cfg.Server.TestPage),
		duration("FANOUT_RECONNECT_INTERVAL", &cfg.Fanout.ReconnectInterval),
		integer("FANOUT_QUEUE_SIZE", &cfg.Fanout.QueueSize),
		boolean("METRICS_ENABLED", &cfg.Metrics.Enabled),
		boolean("TRACING_ENABLED", &cfg.Tracing.Enabled),
	}
	for _, err := range steps {
		if err != nil {
			return err
		}
	}
	return nil
}
