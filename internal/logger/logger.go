package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
)

// Config selects level and output format for the process logger.
type Config struct {
	Level       string // debug, info, warn, error
	Format      string // json, console
	Service     string
	Environment string
}

// New builds the process logger and sets the zerolog global level to match.
// Unknown levels fall back to info.
func New(cfg Config) zerolog.Logger {
	name := strings.ToLower(strings.TrimSpace(cfg.Level))
	if name == "warning" {
		name = "warn"
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).With().Timestamp().Str("service", cfg.Service)
	if cfg.Environment != "" {
		ctx = ctx.Str("environment", cfg.Environment)
	}
	return ctx.Logger()
}

// WithContext attaches a request-scoped logger.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the attached logger, or a no-op logger.
func FromContext(ctx context.Context) zerolog.Logger {
	return FromContextOr(ctx, zerolog.Nop())
}

// FromContextOr returns the request-scoped logger when one is attached, else fallback.
func FromContextOr(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return fallback
	}
	if l, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return l
	}
	return fallback
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the id set by Middleware, or "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RedactCode masks a voucher code so logs never carry a redeemable value (first 4 chars kept).
func RedactCode(code string) string {
	switch {
	case code == "":
		return ""
	case len(code) <= 4:
		return "****"
	}
	return code[:4] + strings.Repeat("*", len(code)-4)
}

// TruncateID shortens gateway identifiers for log lines (first 8 + last 4 chars).
func TruncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:8] + "..." + id[len(id)-4:]
}

// RedactEmail keeps the first two characters of the mailbox and the domain.
func RedactEmail(email string) string {
	if email == "" {
		return ""
	}
	user, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "[redacted]"
	}
	if len(user) > 2 {
		return user[:2] + "***@" + domain
	}
	return "***@" + domain
}
