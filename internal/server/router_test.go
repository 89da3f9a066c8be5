package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
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
	"github.com/golang-jwt/jwt/v4"
)

type fakeAdmin struct {
	healthy  bool
	channels []store.Channel
	requeued []int64
}

func (f *fakeAdmin) CreateChannel(ctx context.Context, c store.Channel) (store.Channel, error) {
	c.Active = true
	f.channels = append(f.channels, c)
	return c, nil
}

func (f *fakeAdmin) ListChannels(ctx context.Context) ([]store.Channel, error) {
	return f.channels, nil
}

func (f *fakeAdmin) DeactivateChannel(ctx context.Context, name string) error {
	return nil
}

func (f *fakeAdmin) GetMessage(ctx context.Context, id int64) (store.Message, error) {
	if id != 1 {
		return store.Message{}, store.ErrMessageNotFound
	}
	return store.Message{ID: 1, Channel: "orders", Status: store.StatusPending}, nil
}

func (f *fakeAdmin) ListDeadLetters(ctx context.Context, channel string, limit int) ([]store.Message, error) {
	return nil, nil
}

func (f *fakeAdmin) RequeueDeadLetter(ctx context.Context, id int64) error {
	if id != 1 {
		return store.ErrInvalidTransition
	}
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakeAdmin) DeleteDeadLetter(ctx context.Context, id int64) error {
	return nil
}

func (f *fakeAdmin) Healthy() bool { return f.healthy }

type fakeBroker struct {
	mu         sync.Mutex
	published  []broker.PublishRequest
	subscribed []broker.SubscribeRequest
	err        error
	stream     chan notify.Notification
}

func (f *fakeBroker) Publish(ctx context.Context, req broker.PublishRequest) (broker.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return broker.PublishResult{}, f.err
	}
	f.published = append(f.published, req)
	return broker.PublishResult{NotifiedCount: 2, MessageID: 42, Persisted: req.Persist}, nil
}

func (f *fakeBroker) Subscribe(ctx context.Context, req broker.SubscribeRequest) (store.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.Subscriber{}, f.err
	}
	f.subscribed = append(f.subscribed, req)
	return store.Subscriber{Channel: req.Channel, SubscriberID: req.SubscriberID, Active: true}, nil
}

func (f *fakeBroker) Unsubscribe(ctx context.Context, channel, subscriberID string) (bool, error) {
	return true, nil
}

func (f *fakeBroker) Touch(ctx context.Context, channel, subscriberID string) (bool, error) {
	return true, nil
}

func (f *fakeBroker) Stream(ctx context.Context, channel, subscriberID string) (<-chan notify.Notification, func(), error) {
	if f.stream == nil {
		return nil, nil, broker.ErrNotSubscribed
	}
	return f.stream, func() {}, nil
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]string
}

func (f *fakeLocks) Register(ctx context.Context, name, description string, scope store.LockScope) (int64, error) {
	return lock.ID(name), nil
}

func (f *fakeLocks) TryAcquire(ctx context.Context, holder, name, purpose string, shared bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.held[name]; ok {
		return false, nil
	}
	f.held[name] = holder
	return true, nil
}

func (f *fakeLocks) Acquire(ctx context.Context, holder, name, purpose string, shared bool, timeout time.Duration) (bool, error) {
	ok, _ := f.TryAcquire(ctx, holder, name, purpose, shared)
	if !ok {
		return false, lock.ErrLockTimeout
	}
	return true, nil
}

func (f *fakeLocks) Release(ctx context.Context, holder, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.held[name]
	if !ok {
		return false, nil
	}
	if owner != holder {
		return false, lock.ErrLockNotHeld
	}
	delete(f.held, name)
	return true, nil
}

func (f *fakeLocks) Heartbeat(ctx context.Context, holder string) (int64, error) {
	return 1, nil
}

func (f *fakeLocks) AllocateFromPool(ctx context.Context, holder, pool string, size int) (int, error) {
	for slot := 1; slot <= size; slot++ {
		if ok, _ := f.TryAcquire(ctx, holder, lock.PoolSlotName(pool, slot), "", false); ok {
			return slot, nil
		}
	}
	return -1, nil
}

func (f *fakeLocks) ReleasePoolSlot(ctx context.Context, holder, pool string, slot int) (bool, error) {
	return f.Release(ctx, holder, lock.PoolSlotName(pool, slot))
}

func (f *fakeLocks) Holds(ctx context.Context) ([]store.LockAcquisition, error) {
	return nil, nil
}

type fakeClaimer struct {
	completed []workclaim.CompleteRequest
}

func (f *fakeClaimer) Claim(ctx context.Context, req workclaim.ClaimRequest) ([]store.Message, error) {
	if req.Channel == "missing" {
		return nil, store.ErrUnknownChannel
	}
	worker := req.Worker
	return []store.Message{{ID: 7, Channel: req.Channel, Status: store.StatusProcessing, ClaimedBy: &worker}}, nil
}

func (f *fakeClaimer) ClaimByID(ctx context.Context, id int64, worker string) (store.Message, bool, error) {
	return store.Message{ID: id}, id == 7, nil
}

func (f *fakeClaimer) Complete(ctx context.Context, req workclaim.CompleteRequest) (store.Status, error) {
	f.completed = append(f.completed, req)
	switch {
	case req.ID == 99:
		return "", store.ErrInvalidTransition
	case req.Success:
		return store.StatusCompleted, nil
	default:
		return store.StatusDeadLetter, nil
	}
}

type fakeJobs struct{}

func (fakeJobs) Jobs(ctx context.Context) ([]store.ScheduledJob, error) {
	return []store.ScheduledJob{{Name: "purge"}}, nil
}

func (fakeJobs) Executions(ctx context.Context, name string, limit int) ([]store.JobExecution, error) {
	return nil, nil
}

func (fakeJobs) RunNow(ctx context.Context, name string) (jobs.Result, error) {
	if name != "purge" {
		return jobs.Result{}, store.ErrJobNotFound
	}
	return jobs.Result{Status: jobs.StatusCompleted, Message: "ok"}, nil
}

type fakeMonitor struct{}

func (fakeMonitor) Health(ctx context.Context) (monitor.Health, error) {
	return monitor.Health{PendingMessages: 3, JobSuccessRate: 1}, nil
}

func (fakeMonitor) LockContention(ctx context.Context, window time.Duration) ([]store.LockContention, error) {
	return []store.LockContention{{LockName: "backup", Attempts: 4, Failures: 3}}, nil
}

func (fakeMonitor) QueueDepth(ctx context.Context) ([]store.ChannelDepth, error) {
	return nil, nil
}

func (fakeMonitor) JobStats(ctx context.Context) ([]monitor.JobStat, error) {
	return nil, nil
}

type testEnv struct {
	router  *chi.Mux
	admin   *fakeAdmin
	broker  *fakeBroker
	locks   *fakeLocks
	claimer *fakeClaimer
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	env := &testEnv{
		router:  chi.NewRouter(),
		admin:   &fakeAdmin{healthy: true},
		broker:  &fakeBroker{},
		locks:   &fakeLocks{held: make(map[string]string)},
		claimer: &fakeClaimer{},
	}
	SetupRouter(env.router, Deps{
		Admin:       env.admin,
		Broker:      env.broker,
		Locks:       env.locks,
		Claimer:     env.claimer,
		Jobs:        fakeJobs{},
		Monitor:     fakeMonitor{},
		Logger:      log.NewNop(),
		JWTSecret:   secret,
		LockWaitMax: time.Second,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestPublishEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	rec, body := env.do(t, http.MethodPost, "/channels/orders/publish",
		`{"eventType":"order.created","payload":{"id":1},"sender":"shop","persist":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if body["notifiedCount"] != float64(2) || body["messageId"] != float64(42) {
		t.Fatalf("body = %v", body)
	}
	got := env.broker.published[0]
	if got.Channel != "orders" || got.EventType != "order.created" || string(got.Payload) != `{"id":1}` || !got.Persist {
		t.Fatalf("published = %+v", got)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrUnknownChannel, http.StatusNotFound, "UnknownChannel"},
		{broker.ErrInvalidPayload, http.StatusBadRequest, "InvalidPayload"},
		{store.ErrRateLimited, http.StatusTooManyRequests, "RateLimited"},
		{errors.New("connection reset"), http.StatusInternalServerError, "Internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			env := newTestEnv(t, "")
			env.broker.err = tt.err
			rec, body := env.do(t, http.MethodPost, "/channels/orders/publish", `{"eventType":"x","payload":{}}`)
			if rec.Code != tt.status || body["code"] != tt.code {
				t.Fatalf("status = %d body = %v, want %d %s", rec.Code, body, tt.status, tt.code)
			}
			if tt.err == store.ErrRateLimited && rec.Header().Get("Retry-After") == "" {
				t.Fatal("missing Retry-After header")
			}
		})
	}
}

func TestSubscribeEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	rec, body := env.do(t, http.MethodPost, "/channels/orders/subscribe",
		`{"subscriberId":"svc-a","mode":"both","filter":"payload.amount > 10"}`)
	if rec.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("status = %d body = %v", rec.Code, body)
	}
	got := env.broker.subscribed[0]
	if got.SubscriberID != "svc-a" || got.Mode != store.ModeBoth || got.Filter != "payload.amount > 10" {
		t.Fatalf("subscribed = %+v", got)
	}
}

func TestLockEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	rec, body := env.do(t, http.MethodPost, "/locks/backup/try-acquire", `{"holder":"a","context":"nightly"}`)
	if rec.Code != http.StatusOK || body["acquired"] != true {
		t.Fatalf("first acquire: %d %v", rec.Code, body)
	}
	_, body = env.do(t, http.MethodPost, "/locks/backup/try-acquire", `{"holder":"b"}`)
	if body["acquired"] != false {
		t.Fatalf("contended acquire = %v, want false", body)
	}
	rec, body = env.do(t, http.MethodPost, "/locks/backup/release", `{"holder":"b"}`)
	if rec.Code != http.StatusConflict || body["code"] != "LockNotHeld" {
		t.Fatalf("foreign release: %d %v", rec.Code, body)
	}
	_, body = env.do(t, http.MethodPost, "/locks/backup/release", `{"holder":"a"}`)
	if body["released"] != true {
		t.Fatalf("release = %v", body)
	}
	_, body = env.do(t, http.MethodPost, "/locks/backup/release", `{"holder":"a"}`)
	if body["released"] != false {
		t.Fatalf("second release = %v", body)
	}
}

func TestLockAcquireTimeout(t *testing.T) {
	env := newTestEnv(t, "")
	env.locks.held["backup"] = "other"
	rec, body := env.do(t, http.MethodPost, "/locks/backup/acquire", `{"holder":"a","timeoutSeconds":1}`)
	if rec.Code != http.StatusRequestTimeout || body["code"] != "LockTimeout" {
		t.Fatalf("status = %d body = %v", rec.Code, body)
	}
}

func TestPoolAllocation(t *testing.T) {
	env := newTestEnv(t, "")
	for want := 1; want <= 2; want++ {
		_, body := env.do(t, http.MethodPost, "/locks/pools/db/allocate", `{"holder":"w","size":2}`)
		if body["slot"] != float64(want) {
			t.Fatalf("allocation %d = %v", want, body)
		}
	}
	_, body := env.do(t, http.MethodPost, "/locks/pools/db/allocate", `{"holder":"w","size":2}`)
	if body["slot"] != float64(-1) {
		t.Fatalf("exhausted pool = %v, want -1", body)
	}
}

func TestClaimAndComplete(t *testing.T) {
	env := newTestEnv(t, "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/queue/claim", strings.NewReader(`{"channel":"orders","workerId":"w1","batchSize":5}`))
	env.router.ServeHTTP(rec, req)
	var msgs []store.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil || len(msgs) != 1 || msgs[0].ID != 7 {
		t.Fatalf("claim = %s (%v)", rec.Body, err)
	}

	rec, body := env.do(t, http.MethodPost, "/queue/7/complete", `{"status":"completed"}`)
	if rec.Code != http.StatusOK || body["status"] != "completed" {
		t.Fatalf("complete: %d %v", rec.Code, body)
	}
	_, body = env.do(t, http.MethodPost, "/queue/7/complete", `{"status":"failed","error":"boom"}`)
	if body["status"] != "dead_letter" || body["code"] != "RetriesExhausted" {
		t.Fatalf("failed complete = %v", body)
	}
	if env.claimer.completed[1].Error != "boom" || env.claimer.completed[1].Success {
		t.Fatalf("complete request = %+v", env.claimer.completed[1])
	}

	rec, body = env.do(t, http.MethodPost, "/queue/99/complete", `{"status":"completed"}`)
	if rec.Code != http.StatusConflict || body["code"] != "InvalidTransition" {
		t.Fatalf("invalid transition: %d %v", rec.Code, body)
	}
	rec, _ = env.do(t, http.MethodPost, "/queue/7/complete", `{"status":"maybe"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status code = %d", rec.Code)
	}
	rec, body = env.do(t, http.MethodPost, "/queue/claim", `{"channel":"missing","workerId":"w1"}`)
	if rec.Code != http.StatusNotFound || body["code"] != "UnknownChannel" {
		t.Fatalf("unknown channel claim: %d %v", rec.Code, body)
	}
}

func TestMonitorHealth(t *testing.T) {
	env := newTestEnv(t, "")
	rec, body := env.do(t, http.MethodGet, "/monitor/health", "")
	if rec.Code != http.StatusOK || body["pendingMessages"] != float64(3) || body["jobSuccessRate"] != float64(1) {
		t.Fatalf("health: %d %v", rec.Code, body)
	}
}

func TestRunJob(t *testing.T) {
	env := newTestEnv(t, "")
	_, body := env.do(t, http.MethodPost, "/jobs/purge/run", "")
	if body["status"] != "COMPLETED" {
		t.Fatalf("run = %v", body)
	}
	rec, _ := env.do(t, http.MethodPost, "/jobs/nope/run", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "")
	if rec, _ := env.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}
	env.admin.healthy = false
	if rec, _ := env.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, secret)

	rec, _ := env.do(t, http.MethodGet, "/monitor/health", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodGet, "/monitor/health", "", "Authorization", "Bearer garbage")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "svc-a"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	rec, _ = env.do(t, http.MethodGet, "/monitor/health", "", "Authorization", "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d", rec.Code)
	}
	// The subject becomes the default lock holder.
	env.do(t, http.MethodPost, "/locks/backup/try-acquire", `{}`, "Authorization", "Bearer "+token)
	if env.locks.held["backup"] != "svc-a" {
		t.Fatalf("holder = %q, want svc-a", env.locks.held["backup"])
	}
	// Health checks stay open.
	if rec, _ := env.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz with auth = %d", rec.Code)
	}
}

func TestStreamUnknownSubscriber(t *testing.T) {
	env := newTestEnv(t, "")
	rec, body := env.do(t, http.MethodGet, "/channels/orders/subscribers/ghost/stream", "")
	if rec.Code != http.StatusNotFound || body["code"] != "NotSubscribed" {
		t.Fatalf("status = %d body = %v", rec.Code, body)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	env := newTestEnv(t, "")
	env.broker.stream = make(chan notify.Notification, 1)
	env.broker.stream <- notify.Notification{Channel: "orders", EventType: "order.created", Payload: json.RawMessage(`{"id":1}`)}
	close(env.broker.stream)

	rec, _ := env.do(t, http.MethodGet, "/channels/orders/subscribers/a/stream", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("status = %d headers = %v", rec.Code, rec.Header())
	}
	if !strings.Contains(rec.Body.String(), "event: order.created\ndata: ") {
		t.Fatalf("body = %q", rec.Body)
	}
}

func TestLockHolderCannotBeImpersonated(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, secret)
	tokenFor := func(sub string) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).SignedString([]byte(secret))
		if err != nil {
			t.Fatal(err)
		}
		return "Bearer " + token
	}

	env.do(t, http.MethodPost, "/locks/backup/try-acquire", `{}`, "Authorization", tokenFor("svc-a"))
	if env.locks.held["backup"] != "svc-a" {
		t.Fatalf("holder = %q, want svc-a", env.locks.held["backup"])
	}

	for _, path := range []string{"/locks/backup/release", "/locks/heartbeat", "/locks/pools/db/allocate", "/queue/claim"} {
		rec, body := env.do(t, http.MethodPost, path, `{"holder":"svc-a","workerId":"svc-a","size":1,"channel":"orders"}`,
			"Authorization", tokenFor("svc-b"))
		if rec.Code != http.StatusForbidden || body["code"] != "Forbidden" {
			t.Fatalf("%s as another holder: %d %v", path, rec.Code, body)
		}
	}
	if env.locks.held["backup"] != "svc-a" {
		t.Fatalf("lock released by an impersonator, held = %v", env.locks.held)
	}

	// Naming yourself explicitly is fine.
	rec, body := env.do(t, http.MethodPost, "/locks/backup/release", `{"holder":"svc-a"}`, "Authorization", tokenFor("svc-a"))
	if rec.Code != http.StatusOK || body["released"] != true {
		t.Fatalf("own release: %d %v", rec.Code, body)
	}
}

func TestLockRequiresHolderWithoutAuth(t *testing.T) {
	env := newTestEnv(t, "")
	env.locks.held["job:purge_messages"] = "node-1"
	for _, path := range []string{
		"/locks/job:purge_messages/release",
		"/locks/backup/try-acquire",
		"/locks/heartbeat",
		"/locks/pools/db/release",
	} {
		rec, body := env.do(t, http.MethodPost, path, `{}`)
		if rec.Code != http.StatusBadRequest || body["code"] != "BadRequest" {
			t.Fatalf("%s without holder: %d %v", path, rec.Code, body)
		}
	}
	if env.locks.held["job:purge_messages"] != "node-1" {
		t.Fatal("anonymous release dropped a job lock")
	}
	rec, _ := env.do(t, http.MethodPost, "/queue/claim", `{"channel":"orders"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("claim without worker = %d", rec.Code)
	}
}
