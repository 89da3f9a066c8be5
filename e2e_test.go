//go:build integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"polaris/internal/config"
	"polaris/internal/log"
	"polaris/internal/server"
	"polaris/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testSecret = "super-secret-test-key"

func generateTestToken(secret, sub string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tokenString, _ := token.SignedString([]byte(secret))
	return tokenString
}

func setupTestDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx, "postgres:16",
		postgres.WithDatabase("polaris"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("securepassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })
	dbURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	return dbURL
}

type e2eClient struct {
	t       *testing.T
	baseURL string
	auth    string
}

func (c e2eClient) call(method, path string, body any, out any) int {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, c.baseURL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	if c.auth != "" {
		req.Header.Set("Authorization", c.auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestE2E_HTTP_Flow(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		DatabaseURL:           setupTestDB(t),
		WorkerID:              "e2e-node",
		NotifyTransport:       "noop",
		DefaultMaxRetries:     3,
		RetryBackoff:          time.Millisecond,
		RetryBackoffMax:       time.Millisecond,
		LockMaxHold:           time.Hour,
		SubscriberIdleTimeout: time.Hour,
		SchedulerTick:         time.Second,
		WorkerBatchSize:       10,
		WorkerConcurrency:     2,
		ClaimTimeout:          time.Minute,
		AuthEnabled:           true,
		JWTSecret:             testSecret,
	}
	a, err := newApp(ctx, cfg, log.NewNop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()
	if err := a.store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	r := chi.NewRouter()
	server.SetupRouter(r, server.Deps{
		Admin:       a.store,
		Broker:      a.broker,
		Locks:       server.LockService(a.locks),
		Claimer:     a.claimer,
		Jobs:        a.scheduler,
		Monitor:     a.monitor,
		Logger:      a.logger,
		JWTSecret:   testSecret,
		LockWaitMax: time.Second,
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	anon := e2eClient{t: t, baseURL: ts.URL}
	c := e2eClient{t: t, baseURL: ts.URL, auth: "Bearer " + generateTestToken(testSecret, "e2e-worker")}

	t.Run("HealthCheck", func(t *testing.T) {
		if code := anon.call("GET", "/healthz", nil, nil); code != http.StatusOK {
			t.Errorf("expected 200 OK, got %d", code)
		}
	})

	t.Run("AuthMiddleware", func(t *testing.T) {
		if code := anon.call("GET", "/channels", nil, nil); code != http.StatusUnauthorized {
			t.Errorf("expected 401 for missing token, got %d", code)
		}
		bad := e2eClient{t: t, baseURL: ts.URL, auth: "Bearer invalid-token"}
		if code := bad.call("GET", "/channels", nil, nil); code != http.StatusUnauthorized {
			t.Errorf("expected 401 for invalid token, got %d", code)
		}
	})

	if code := c.call("POST", "/channels", map[string]any{"name": "e2e", "maxRetries": 2}, nil); code != http.StatusCreated {
		t.Fatalf("create channel: %d", code)
	}

	t.Run("PublishClaimComplete", func(t *testing.T) {
		var pub struct {
			NotifiedCount int    `json:"notifiedCount"`
			MessageID     *int64 `json:"messageId"`
		}
		code := c.call("POST", "/channels/e2e/publish", map[string]any{
			"eventType": "work", "payload": map[string]any{"n": 1}, "persist": true,
		}, &pub)
		if code != http.StatusOK || pub.MessageID == nil {
			t.Fatalf("publish: %d %+v", code, pub)
		}

		var msgs []store.Message
		if code := c.call("POST", "/queue/claim", map[string]any{"channel": "e2e", "batchSize": 5}, &msgs); code != http.StatusOK {
			t.Fatalf("claim: %d", code)
		}
		if len(msgs) != 1 || msgs[0].ID != *pub.MessageID {
			t.Fatalf("claimed %+v, want message %d", msgs, *pub.MessageID)
		}
		if msgs[0].ClaimedBy == nil || *msgs[0].ClaimedBy != "e2e-worker" {
			t.Fatalf("claimed by %v, want the token subject", msgs[0].ClaimedBy)
		}

		var done struct {
			Status store.Status `json:"status"`
		}
		path := "/queue/" + jsonID(msgs[0].ID) + "/complete"
		if code := c.call("POST", path, map[string]any{"status": "completed"}, &done); code != http.StatusOK || done.Status != store.StatusCompleted {
			t.Fatalf("complete: %d %+v", code, done)
		}
		if code := c.call("POST", path, map[string]any{"status": "completed"}, nil); code != http.StatusConflict {
			t.Fatalf("second complete: %d, want 409", code)
		}
	})

	t.Run("DeadLetterFlow", func(t *testing.T) {
		var pub struct {
			MessageID *int64 `json:"messageId"`
		}
		c.call("POST", "/channels/e2e/publish", map[string]any{
			"eventType": "work", "payload": map[string]any{"fail": true}, "persist": true,
		}, &pub)
		if pub.MessageID == nil {
			t.Fatal("publish did not persist")
		}

		var last struct {
			Status store.Status `json:"status"`
			Code   string       `json:"code"`
		}
		for attempt := 0; attempt < 2; attempt++ {
			var msgs []store.Message
			deadline := time.Now().Add(5 * time.Second)
			for len(msgs) == 0 && time.Now().Before(deadline) {
				c.call("POST", "/queue/claim", map[string]any{"channel": "e2e"}, &msgs)
				if len(msgs) == 0 {
					time.Sleep(50 * time.Millisecond)
				}
			}
			if len(msgs) != 1 {
				t.Fatalf("attempt %d: claimed %d messages", attempt, len(msgs))
			}
			c.call("POST", "/queue/"+jsonID(msgs[0].ID)+"/complete",
				map[string]any{"status": "failed", "error": "simulated processing failure"}, &last)
		}
		if last.Status != store.StatusDeadLetter || last.Code != "RetriesExhausted" {
			t.Fatalf("final completion = %+v", last)
		}

		var dead []store.Message
		c.call("GET", "/queue/dead-letters?channel=e2e", nil, &dead)
		found := false
		for _, m := range dead {
			if m.ID == *pub.MessageID {
				found = true
			}
		}
		if !found {
			t.Error("message not found in dead letters after max retries")
		}
	})

	t.Run("Locks", func(t *testing.T) {
		a := e2eClient{t: t, baseURL: ts.URL, auth: "Bearer " + generateTestToken(testSecret, "a")}
		b := e2eClient{t: t, baseURL: ts.URL, auth: "Bearer " + generateTestToken(testSecret, "b")}
		var got struct {
			Acquired bool `json:"acquired"`
		}
		a.call("POST", "/locks/backup/try-acquire", map[string]any{}, &got)
		if !got.Acquired {
			t.Fatal("first holder did not acquire")
		}
		b.call("POST", "/locks/backup/try-acquire", map[string]any{}, &got)
		if got.Acquired {
			t.Fatal("second holder acquired a held lock")
		}
		if code := b.call("POST", "/locks/backup/release", map[string]any{}, nil); code != http.StatusConflict {
			t.Fatalf("foreign release: %d, want 409", code)
		}
		if code := b.call("POST", "/locks/backup/release", map[string]any{"holder": "a"}, nil); code != http.StatusForbidden {
			t.Fatalf("impersonated release: %d, want 403", code)
		}
	})
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
