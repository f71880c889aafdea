package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/config"
	"github.com/soshogle/nexrel-crm-sub028/internal/lead"
	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *workflow.Engine
	Leads        lead.Store
	Authenticate func(http.Handler) http.Handler
	WebhookToken string
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, and the tracking
// endpoints bypass bearer authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	// Recipients and providers reach these without operator tokens.
	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/t/{trackingID}/open.gif", handleOpenPixel(deps.Engine))
		r.Get("/t/{trackingID}/click", handleClick(deps.Engine))
		r.With(WebhookToken(deps.WebhookToken)).Post("/webhooks/engagement", handleEngagementWebhook(deps.Engine))
	})

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(ResolvePrincipal)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", handleWorkflowCreate(deps.Engine))
			r.Get("/", handleWorkflowList(deps.Engine))
			r.Get("/{id}", handleWorkflowGet(deps.Engine))
			r.Put("/{id}", handleWorkflowUpdate(deps.Engine))
			r.Post("/{id}/activate", handleWorkflowActivate(deps.Engine))
			r.Post("/{id}/pause", handleWorkflowPause(deps.Engine))
			r.Post("/{id}/cancel", handleWorkflowCancel(deps.Engine))
			r.Get("/{id}/summary", handleWorkflowSummary(deps.Engine))
		})

		r.Post("/triggers", handleTrigger(deps.Engine))
		r.Post("/scans", handleScan(deps.Engine))

		r.Route("/enrollments", func(r chi.Router) {
			r.Get("/", handleEnrollmentList(deps.Engine))
			r.Get("/{id}", handleEnrollmentGet(deps.Engine))
			r.Get("/{id}/history", handleEnrollmentHistory(deps.Engine))
			r.Post("/{id}/cancel", handleEnrollmentCommand(deps.Engine.CancelEnrollment))
			r.Post("/{id}/pause", handleEnrollmentCommand(deps.Engine.PauseEnrollment))
			r.Post("/{id}/resume", handleEnrollmentCommand(deps.Engine.ResumeEnrollment))
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", handleTaskList(deps.Engine))
			r.Post("/{id}/approve", handleTaskApprove(deps.Engine))
			r.Post("/{id}/reject", handleTaskReject(deps.Engine))
		})

		if deps.Leads != nil {
			r.Put("/leads/{id}", handleLeadPut(deps.Leads))
			r.Get("/leads/{id}", handleLeadGet(deps.Leads))
		}
	})

	return r
}
