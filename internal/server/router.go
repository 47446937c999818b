package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/qpick/availability/backend/internal/auth"
	"github.com/qpick/availability/backend/internal/geo"
	"github.com/qpick/availability/backend/internal/notify"
	"github.com/qpick/availability/backend/internal/reports"
	"github.com/qpick/availability/backend/internal/search"
	"github.com/qpick/availability/backend/internal/subscriptions"
)

const sessionSubjectContextKey = "qpick_subscriber_id"

var (
	errMissingSessions      = errors.New("session issuer and validator dependencies required")
	errMissingReports       = errors.New("report service dependency required")
	errMissingSearch        = errors.New("search dependency required")
	errMissingSubscriptions = errors.New("subscription registry dependency required")
	errMissingDispatcher    = errors.New("notification dispatcher dependency required")
	errMissingStores        = errors.New("store directory dependency required")
)

type SessionIssuer interface {
	IssueSession(ctx context.Context) (auth.IssuedSession, error)
}

type SessionValidator interface {
	ValidateRequest(r *http.Request) (string, error)
}

type WebhookVerifier interface {
	Verify(authorization string) error
}

type ReportService interface {
	Submit(ctx context.Context, submission reports.Submission) (reports.SubmitResult, error)
	SubmitComment(ctx context.Context, input reports.CommentInput) (reports.Comment, error)
	ListApprovedComments(ctx context.Context, storeID string) ([]reports.Comment, error)
}

type SearchService interface {
	Search(ctx context.Context, query search.Query) (search.Result, error)
	StoreStats(ctx context.Context, storeID string, productID int64) (search.StoreStats, error)
	NearbyStores(ctx context.Context, location geo.Coordinate) ([]search.NearbyStore, error)
	Invalidate(ctx context.Context, storeID string, productID int64)
}

// StoreDirectory answers product suggestions and report store locations.
type StoreDirectory interface {
	SuggestProducts(ctx context.Context, keyword string, limit int) ([]geo.Product, error)
	StoreLocation(ctx context.Context, storeID string) (geo.Coordinate, bool, error)
}

type SubscriptionRegistry interface {
	EnableWatch(ctx context.Context, subscriberID subscriptions.SubscriberID, productID int64, location geo.Coordinate) (string, error)
	DisableWatch(ctx context.Context, subscriberID subscriptions.SubscriberID, productID int64) error
	WatchState(ctx context.Context, subscriberID subscriptions.SubscriberID, productID int64) (bool, error)
	RegisterPush(ctx context.Context, subscriberID subscriptions.SubscriberID, endpoint string, keys subscriptions.PushKeys, userAgent string) error
	DisablePush(ctx context.Context, subscriberID subscriptions.SubscriberID) error
}

type NotificationDispatcher interface {
	Dispatch(ctx context.Context, trigger notify.Trigger) (notify.Outcome, error)
}

type ReportObserver interface {
	ObserveReport(status, result string)
}

type Dependencies struct {
	Sessions         SessionIssuer
	SessionValidator SessionValidator
	Webhook          WebhookVerifier
	Reports          ReportService
	Search           SearchService
	Stores           StoreDirectory
	Subscriptions    SubscriptionRegistry
	Dispatcher       NotificationDispatcher
	Realtime         *RealtimeDispatcher
	ReportLimiter    *ClientRateLimiter
	ReportObserver   ReportObserver
	MetricsHandler   http.Handler
	HealthCheck      func(ctx context.Context) error
	AllowedOrigins   []string
	Clock            func() time.Time
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil || deps.SessionValidator == nil {
		return nil, errMissingSessions
	}
	if deps.Reports == nil {
		return nil, errMissingReports
	}
	if deps.Search == nil {
		return nil, errMissingSearch
	}
	if deps.Stores == nil {
		return nil, errMissingStores
	}
	if deps.Subscriptions == nil {
		return nil, errMissingSubscriptions
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	observer := deps.ReportObserver
	if observer == nil {
		observer = noopReportObserver{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:      deps.Sessions,
		validator:     deps.SessionValidator,
		webhook:       deps.Webhook,
		reports:       deps.Reports,
		search:        deps.Search,
		stores:        deps.Stores,
		subscriptions: deps.Subscriptions,
		dispatcher:    deps.Dispatcher,
		realtime:      realtime,
		observer:      observer,
		healthCheck:   deps.HealthCheck,
		clock:         clock,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	api := router.Group("/api")
	api.POST("/sessions", handler.handleIssueSession)

	reportRoutes := []gin.HandlerFunc{}
	if deps.ReportLimiter != nil {
		reportRoutes = append(reportRoutes, deps.ReportLimiter.Middleware(logger))
	}
	reportRoutes = append(reportRoutes, handler.authorizeSession, handler.handleSubmitReport)
	api.POST("/reports", reportRoutes...)
	api.POST("/comments", handler.handleSubmitComment)

	api.GET("/search", handler.handleSearch)
	api.GET("/products/suggest", handler.handleSuggestProducts)
	api.GET("/stores/near", handler.handleNearbyStores)
	api.GET("/stores/:store_id/stats", handler.handleStoreStats)
	api.GET("/stores/:store_id/comments", handler.handleListComments)
	api.GET("/stream", handler.handleStream)

	api.GET("/watch", handler.handleWatchState)
	api.POST("/watch", handler.handleWatch)
	api.POST("/push/subscribe", handler.handlePushSubscribe)
	api.POST("/push/disable", handler.handlePushDisable)

	api.POST("/notify/webhook", handler.handleNotifyWebhook)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions      SessionIssuer
	validator     SessionValidator
	webhook       WebhookVerifier
	reports       ReportService
	search        SearchService
	stores        StoreDirectory
	subscriptions SubscriptionRegistry
	dispatcher    NotificationDispatcher
	realtime      *RealtimeDispatcher
	observer      ReportObserver
	healthCheck   func(ctx context.Context) error
	clock         func() time.Time
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.healthCheck(ctx); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) authorizeSession(c *gin.Context) {
	subject, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionSubjectContextKey, subject)
	c.Next()
}

type noopReportObserver struct{}

func (noopReportObserver) ObserveReport(string, string) {}
