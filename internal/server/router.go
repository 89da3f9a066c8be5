package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"polaris/internal/broker"
	"polaris/internal/jobs"
	"polaris/internal/lock"
	"polaris/internal/log"
	"polaris/internal/monitor"
	"polaris/internal/notify"
	"polaris/internal/store"
	"polaris/internal/workclaim"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

type Broker interface {
	Publish(ctx context.Context, req broker.PublishRequest) (broker.PublishResult, error)
	Subscribe(ctx context.Context, req broker.SubscribeRequest) (store.Subscriber, error)
	Unsubscribe(ctx context.Context, channel, subscriberID string) (bool, error)
	Touch(ctx context.Context, channel, subscriberID string) (bool, error)
	Stream(ctx context.Context, channel, subscriberID string) (<-chan notify.Notification, func(), error)
}

type Claimer interface {
	Claim(ctx context.Context, req workclaim.ClaimRequest) ([]store.Message, error)
	ClaimByID(ctx context.Context, id int64, worker string) (store.Message, bool, error)
	Complete(ctx context.Context, req workclaim.CompleteRequest) (store.Status, error)
}

type Jobs interface {
	Jobs(ctx context.Context) ([]store.ScheduledJob, error)
	Executions(ctx context.Context, name string, limit int) ([]store.JobExecution, error)
	RunNow(ctx context.Context, name string) (jobs.Result, error)
}

type Monitor interface {
	Health(ctx context.Context) (monitor.Health, error)
	LockContention(ctx context.Context, window time.Duration) ([]store.LockContention, error)
	QueueDepth(ctx context.Context) ([]store.ChannelDepth, error)
	JobStats(ctx context.Context) ([]monitor.JobStat, error)
}

// Admin covers channel administration and dead-letter inspection.
type Admin interface {
	CreateChannel(ctx context.Context, c store.Channel) (store.Channel, error)
	ListChannels(ctx context.Context) ([]store.Channel, error)
	DeactivateChannel(ctx context.Context, name string) error
	GetMessage(ctx context.Context, id int64) (store.Message, error)
	ListDeadLetters(ctx context.Context, channel string, limit int) ([]store.Message, error)
	RequeueDeadLetter(ctx context.Context, id int64) error
	DeleteDeadLetter(ctx context.Context, id int64) error
	Healthy() bool
}

type Deps struct {
	Admin   Admin
	Broker  Broker
	Locks   Locks
	Claimer Claimer
	Jobs    Jobs
	Monitor Monitor
	Logger  *log.Logger

	// JWTSecret enables HS256 bearer authentication when non-empty.
	JWTSecret string
	// RateLimit is the per-IP request budget per minute; 0 disables it.
	RateLimit int
	// LockWaitMax caps the timeout a caller may request on blocking acquires.
	LockWaitMax time.Duration
}

func SetupRouter(r *chi.Mux, d Deps) {
	logger := d.Logger.Named("http")
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	if d.RateLimit > 0 {
		r.Use(httprate.Limit(d.RateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !d.Admin.Healthy() {
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	h := &handlers{Deps: d, logger: logger}
	r.Group(func(r chi.Router) {
		if d.JWTSecret != "" {
			r.Use(authMiddleware(d.JWTSecret, logger))
		}
		r.Route("/channels", h.channelRoutes)
		r.Route("/locks", h.lockRoutes)
		r.Route("/queue", h.queueRoutes)
		r.Route("/jobs", h.jobRoutes)
		r.Route("/monitor", h.monitorRoutes)
	})
}

type handlers struct {
	Deps
	logger *log.Logger
}

type claimsKey struct{}

// Subject returns the JWT subject of an authenticated request.
func Subject(ctx context.Context) string {
	claims, ok := ctx.Value(claimsKey{}).(jwt.MapClaims)
	if !ok {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Warn("Missing authorization token", zap.String("path", r.URL.Path))
				writeError(w, http.StatusUnauthorized, "Unauthorized", "missing token")
				return
			}
			tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("Invalid JWT token", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("Request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// fail maps domain errors to HTTP responses.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "Internal"
	switch {
	case errors.Is(err, store.ErrUnknownChannel):
		status, code = http.StatusNotFound, "UnknownChannel"
	case errors.Is(err, broker.ErrInvalidPayload):
		status, code = http.StatusBadRequest, "InvalidPayload"
	case errors.Is(err, broker.ErrInvalidSubscription):
		status, code = http.StatusBadRequest, "InvalidSubscription"
	case errors.Is(err, broker.ErrNotSubscribed):
		status, code = http.StatusNotFound, "NotSubscribed"
	case errors.Is(err, store.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		status, code = http.StatusTooManyRequests, "RateLimited"
	case errors.Is(err, lock.ErrLockNotHeld):
		status, code = http.StatusConflict, "LockNotHeld"
	case errors.Is(err, lock.ErrLockTimeout):
		status, code = http.StatusRequestTimeout, "LockTimeout"
	case errors.Is(err, store.ErrMessageNotFound):
		status, code = http.StatusNotFound, "MessageNotFound"
	case errors.Is(err, store.ErrInvalidTransition):
		status, code = http.StatusConflict, "InvalidTransition"
	case errors.Is(err, store.ErrJobNotFound):
		status, code = http.StatusNotFound, "JobNotFound"
	case errors.Is(err, errBadRequest):
		status, code = http.StatusBadRequest, "BadRequest"
	case errors.Is(err, errForbidden):
		status, code = http.StatusForbidden, "Forbidden"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

var (
	errBadRequest = errors.New("bad request")
	errForbidden  = errors.New("forbidden")
)

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}
