package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/postcraft/internal/config"
	"github.com/pitabwire/postcraft/internal/content"
	"github.com/pitabwire/postcraft/internal/ideation"
	"github.com/pitabwire/postcraft/internal/imagegen"
	"github.com/pitabwire/postcraft/internal/linkedin"
	"github.com/pitabwire/postcraft/internal/observability"
	"github.com/pitabwire/postcraft/internal/profile"
	"github.com/pitabwire/postcraft/internal/publish"
	"github.com/pitabwire/postcraft/internal/schedule"
	"github.com/pitabwire/postcraft/internal/workflow"
	"github.com/pitabwire/postcraft/model"
)

// Dependencies holds everything the HTTP layer calls into.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Metrics      *observability.Metrics
	MetricsPage  http.Handler
	Readiness    observability.ReadinessChecks

	Sessions  *workflow.Sessions
	Profiles  *profile.Service
	Contents  *content.Service
	Schedules *schedule.Service
	Publisher *publish.Service
	Ideation  *ideation.Service
	Images    imagegen.Generator
	OAuth     *linkedin.OAuth
	LinkedIn  *linkedin.Client
}

// NewRouter creates the chi router. Health, readiness, metrics and the
// OAuth callback bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if m := deps.Config.Observability.Metrics; m.Enabled {
		page := deps.MetricsPage
		if page == nil {
			page = observability.Handler()
		}
		path := m.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, page)
	}
	r.Get("/api/linkedin/callback",
		handleLinkedInCallback(deps.OAuth, deps.Profiles, deps.Config.LinkedIn.SuccessURL, deps.Logger))

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(observability.RequestScopedLogger(deps.Logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)

		r.Route("/api/workflow", func(r chi.Router) {
			r.Get("/", handleWorkflowGet(deps.Sessions))
			r.Delete("/", handleWorkflowClear(deps.Sessions))
			r.Post("/start", handleWorkflowStart(deps.Sessions))
			r.Post("/create", handleWorkflowCreate(deps.Sessions))
			r.Post("/image", handleWorkflowImage(deps.Sessions))
			r.Post("/pipeline", handleWorkflowPipeline(deps.Sessions))
		})

		r.Get("/api/profile", handleProfileGet(deps.Profiles))
		r.Patch("/api/profile", handleProfileUpdate(deps.Profiles))

		r.Route("/api/contents", func(r chi.Router) {
			r.Get("/", handleContentList(deps.Contents))
			r.Post("/", handleContentCreate(deps.Contents))
			r.Get("/{id}", handleContentGet(deps.Contents))
			r.Patch("/{id}", handleContentUpdate(deps.Contents))
			r.Delete("/{id}", handleContentDelete(deps.Contents))
			r.Post("/{id}/publish", handleContentPublish(deps.Publisher))
		})

		r.Route("/api/schedules", func(r chi.Router) {
			r.Get("/", handleScheduleList(deps.Schedules))
			r.Post("/", handleScheduleCreate(deps.Publisher))
			r.Delete("/{id}", handleScheduleCancel(deps.Schedules))
		})

		r.Post("/api/ideation/messages", handleIdeationMessage(deps.Ideation))
		r.Delete("/api/ideation/sessions/{sessionId}", handleIdeationClose(deps.Ideation))
		r.Post("/api/images", handleImageGenerate(deps.Images))

		r.Route("/api/linkedin", func(r chi.Router) {
			r.Get("/authorize", handleLinkedInAuthorize(deps.OAuth))
			r.Delete("/connection", handleLinkedInDisconnect(deps.OAuth, deps.Profiles))
			r.Get("/profile", handleLinkedInProfile(deps.LinkedIn))
			r.Get("/posts/{postId}/metrics", handleLinkedInMetrics(deps.LinkedIn))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, model.NewNotFoundError("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: model.NewBadRequestError("method not allowed")})
	})
	return r
}
