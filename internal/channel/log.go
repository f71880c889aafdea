package channel

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// LogTransport accepts every send and writes it to the log. It backs the
// "log" channel driver used in development.
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport creates a LogTransport. A nil logger discards output.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTransport{logger: logger}
}

func (t *LogTransport) SendEmail(_ context.Context, to, subject, body string) (Receipt, error) {
	id := uuid.New().String()
	t.logger.Info("email sent",
		zap.String("provider_id", id),
		observability.Contact("to", to),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(body)),
	)
	return Receipt{ProviderID: id, Status: model.DeliverySent}, nil
}

func (t *LogTransport) SendSMS(_ context.Context, to, body string) (Receipt, error) {
	id := uuid.New().String()
	t.logger.Info("sms sent",
		zap.String("provider_id", id),
		observability.Contact("to", to),
		zap.Int("body_bytes", len(body)),
	)
	return Receipt{ProviderID: id, Status: model.DeliverySent}, nil
}

func (t *LogTransport) PlaceCall(_ context.Context, to, script string) (Receipt, error) {
	id := uuid.New().String()
	t.logger.Info("call placed",
		zap.String("provider_id", id),
		observability.Contact("to", to),
		zap.Int("script_bytes", len(script)),
	)
	return Receipt{ProviderID: id, Status: model.DeliverySent}, nil
}
