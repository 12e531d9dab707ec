package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"kasirinaja/register/internal/domain"
	"kasirinaja/register/internal/metrics"
	"kasirinaja/register/internal/money"
	"kasirinaja/register/internal/service"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	verifier      *TokenVerifier
	metrics       *metrics.Metrics
	logger        *zap.Logger
	allowedOrigin string
	ready         func() error
}

type Option func(*API)

func WithLogger(logger *zap.Logger) Option {
	return func(a *API) { a.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *API) { a.metrics = m }
}

func WithAllowedOrigin(origin string) Option {
	return func(a *API) { a.allowedOrigin = origin }
}

// WithReadiness makes /healthz report 503 while check fails.
func WithReadiness(check func() error) Option {
	return func(a *API) { a.ready = check }
}

func New(svc *service.Service, verifier *TokenVerifier, opts ...Option) *API {
	a := &API{
		service:       svc,
		verifier:      verifier,
		logger:        zap.NewNop(),
		allowedOrigin: "http://localhost:5173",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.securityHeaders)
	r.Use(a.accessLog)

	r.Get("/healthz", a.handleHealth)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", a.handleCart)
			r.Delete("/", a.handleClearCart)
			r.Put("/customer", a.handleSetCustomer)
			r.Post("/lines", a.handleAddLine)
			r.Patch("/lines/{productID}", a.handleUpdateLine)
			r.Delete("/lines/{productID}", a.handleRemoveLine)
		})

		r.Route("/held-sales", func(r chi.Router) {
			r.Get("/", a.handleListHeld)
			r.Post("/", a.handlePark)
			r.Post("/{id}/resume", a.handleResume)
			r.Delete("/{id}", a.handleDiscardHeld)
		})

		r.Route("/cash-session", func(r chi.Router) {
			r.Get("/", a.handleSessionStatus)
			r.Post("/open", a.handleOpenSession)
			r.Get("/operations", a.handleListOperations)
			r.Post("/operations", a.handleRecordOperation)
			r.Post("/close", a.handleCloseSession)
		})

		r.Post("/checkout", a.handleCheckout)

		r.Route("/lookup", func(r chi.Router) {
			r.Get("/context", a.handleLookupContext)
			r.Put("/context", a.handleSwitchContext)
			r.Get("/products", a.handleSearchProducts)
			r.Get("/customers", a.handleSearchCustomers)
			r.Post("/customers", a.handleCreateCustomer)
		})
	})

	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errMissingToken)
			return
		}
		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.verifier.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)

		elapsed := time.Since(startedAt)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.ObserveHTTP(r.Method, route, status, elapsed)
		a.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(); err != nil {
			a.writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	var conflict *domain.SessionConflictError
	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoActor):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrStoreFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrLineNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrSessionAlreadyOpen),
		errors.Is(err, service.ErrCartInUse):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRegisterClosed), errors.Is(err, domain.ErrEmptyCart):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidDiscount),
		errors.Is(err, domain.ErrInvalidProduct),
		errors.Is(err, domain.ErrInvalidOperation),
		errors.Is(err, domain.ErrInvalidPayment),
		errors.Is(err, domain.ErrInvalidScope),
		errors.Is(err, domain.ErrInvalidCustomer),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrInvalidPercent):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err with the status it maps to. A session conflict carries the
// session that blocks the open.
func (a *API) fail(w http.ResponseWriter, err error) {
	var conflict *domain.SessionConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   err.Error(),
			"session": conflict.Existing,
		})
		return
	}
	a.writeError(w, statusFor(err), err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause goes to the log only.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
		msg = http.StatusText(status)
		if status == http.StatusServiceUnavailable {
			msg = "temporarily unavailable, retry"
		}
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
