package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/soshogle/nexrel-crm-sub028/internal/config"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

type loggerKey struct{}

// NewLogger builds the JSON stdout logger. An unparseable level falls back
// to info.
//
// Level conventions:
//   - error: store or broker failures, panics, 5xx responses
//   - warn:  failed sends, open breakers, dropped triggers, 4xx responses
//   - info:  enrollment transitions, dispatches, HITL decisions, definition loads
//   - debug: scan reports, provider retries, trigger metadata (redacted)
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig = enc
	zapCfg.Sampling = nil
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's tenant,
// subject, correlation id and trace id.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	caller := model.PrincipalFrom(ctx)
	if caller == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", caller.TenantID),
		zap.String("subject_id", caller.SubjectID),
		zap.String("correlation_id", caller.CorrelationID),
	}
	if caller.TraceID != "" {
		fields = append(fields, zap.String("trace_id", caller.TraceID))
	}
	return logger.With(fields...)
}

// Contact returns a log field holding a masked email address or phone
// number. Recipient addresses are personal data and never logged in full.
func Contact(key, to string) zap.Field {
	return zap.String(key, MaskContact(to))
}

// MaskContact keeps the first character of an email's local part and its
// domain, or the last four digits of a phone number.
func MaskContact(to string) string {
	if to == "" {
		return ""
	}
	if at := strings.LastIndexByte(to, '@'); at > 0 {
		return to[:1] + "***" + to[at:]
	}
	if len(to) <= 4 {
		return strings.Repeat("*", len(to))
	}
	return strings.Repeat("*", len(to)-4) + to[len(to)-4:]
}

// sensitiveMetadataKeys are trigger metadata keys whose values are dropped
// from logs. Matching ignores case.
var sensitiveMetadataKeys = map[string]bool{
	"email":         true,
	"phone":         true,
	"password":      true,
	"token":         true,
	"api_key":       true,
	"authorization": true,
	"ssn":           true,
	"card_number":   true,
}

// RedactMetadata returns a copy of trigger or enrollment metadata safe for
// debug logs: sensitive keys are replaced with "[REDACTED]" at any depth.
func RedactMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		switch nested := v.(type) {
		case map[string]any:
			out[k] = RedactMetadata(nested)
		default:
			if sensitiveMetadataKeys[strings.ToLower(k)] {
				out[k] = "[REDACTED]"
			} else {
				out[k] = v
			}
		}
	}
	return out
}
