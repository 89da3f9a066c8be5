package workclaim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"polaris/internal/log"
	"polaris/internal/store"
)

// memStore mimics the claim semantics of the PostgreSQL store.
type memStore struct {
	mu         sync.Mutex
	msgs       map[int64]*store.Message
	maxRetries int
	// afterClaim runs once the batch is claimed, before confirmation.
	afterClaim func()
	// failGets makes the next GetMessage calls fail.
	failGets int
	// locks reports which task locks are held, for stale-claim recovery.
	locks *memLocks
}

func newMemStore(n int) *memStore {
	s := &memStore{msgs: make(map[int64]*store.Message), maxRetries: 3}
	for i := 1; i <= n; i++ {
		s.msgs[int64(i)] = &store.Message{ID: int64(i), Channel: "jobs", EventType: "work", Status: store.StatusPending, MaxRetries: 3}
	}
	return s
}

func (s *memStore) ClaimBatch(ctx context.Context, p store.ClaimParams) ([]store.Message, error) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.msgs))
	for id, m := range s.msgs {
		if m.Status == store.StatusPending {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []store.Message
	for _, id := range ids {
		if len(out) == p.BatchSize {
			break
		}
		m := s.msgs[id]
		worker := p.Worker
		now := time.Now()
		m.Status = store.StatusProcessing
		m.ClaimedBy = &worker
		m.ClaimedAt = &now
		out = append(out, *m)
	}
	hook := s.afterClaim
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (s *memStore) ClaimMessage(ctx context.Context, id int64, worker string) (store.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return store.Message{}, false, store.ErrMessageNotFound
	}
	if m.Status != store.StatusPending {
		return store.Message{}, false, nil
	}
	now := time.Now()
	m.Status = store.StatusProcessing
	m.ClaimedBy = &worker
	m.ClaimedAt = &now
	return *m, true, nil
}

func (s *memStore) ReleaseClaim(ctx context.Context, id int64, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.msgs[id]; m.ClaimedByWorker(worker) {
		m.Status = store.StatusPending
		m.ClaimedBy = nil
	}
	return nil
}

func (s *memStore) GetMessage(ctx context.Context, id int64) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGets > 0 {
		s.failGets--
		return store.Message{}, errors.New("connection reset")
	}
	m, ok := s.msgs[id]
	if !ok {
		return store.Message{}, store.ErrMessageNotFound
	}
	return *m, nil
}

func (s *memStore) Complete(ctx context.Context, id int64, p store.CompleteParams) (store.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return "", store.ErrMessageNotFound
	}
	if m.Status != store.StatusProcessing || (p.Worker != "" && !m.ClaimedByWorker(p.Worker)) {
		return "", store.ErrInvalidTransition
	}
	m.ClaimedBy = nil
	if p.Success {
		m.Status = store.StatusCompleted
		return m.Status, nil
	}
	m.RetryCount++
	if m.RetryCount >= m.MaxRetries {
		m.Status = store.StatusDeadLetter
	} else {
		m.Status = store.StatusPending
	}
	return m.Status, nil
}

func (s *memStore) RequeueStaleClaims(ctx context.Context, olderThan time.Duration, lockPrefix string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var requeued, dead int64
	cutoff := time.Now().Add(-olderThan)
	for id, m := range s.msgs {
		if m.Status != store.StatusProcessing || m.ClaimedAt == nil || !m.ClaimedAt.Before(cutoff) {
			continue
		}
		if s.locks != nil && s.locks.held(lockPrefix+fmt.Sprint(id)) {
			continue
		}
		m.RetryCount++
		m.ClaimedBy, m.ClaimedAt = nil, nil
		if m.RetryCount >= m.MaxRetries {
			m.Status = store.StatusDeadLetter
			dead++
		} else {
			m.Status = store.StatusPending
			requeued++
		}
	}
	return requeued, dead, nil
}

type memLocks struct {
	mu       sync.Mutex
	holders  map[string]string
	released []string
}

func newMemLocks() *memLocks {
	return &memLocks{holders: make(map[string]string)}
}

func (l *memLocks) TryAcquire(ctx context.Context, worker, name, purpose string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.holders[name]; held {
		return false, nil
	}
	l.holders[name] = worker
	return true, nil
}

func (l *memLocks) Release(ctx context.Context, worker, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[name] != worker {
		return false, nil
	}
	delete(l.holders, name)
	l.released = append(l.released, name)
	return true, nil
}

func (l *memLocks) held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.holders[name]
	return ok
}

func TestClaimTakesTaskLocks(t *testing.T) {
	st := newMemStore(3)
	locks := newMemLocks()
	c := NewClaimer(st, locks, nil, log.NewNop())

	msgs, err := c.Claim(context.Background(), ClaimRequest{Channel: "jobs", Worker: "w1", BatchSize: 2})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != 1 || msgs[1].ID != 2 {
		t.Fatalf("claimed %+v, want messages 1 and 2", msgs)
	}
	for _, m := range msgs {
		if !locks.held(TaskLockName(m.ID)) {
			t.Fatalf("task lock for %d not held", m.ID)
		}
	}
}

func TestClaimSkipsConflictingTaskLock(t *testing.T) {
	st := newMemStore(2)
	locks := newMemLocks()
	locks.holders[TaskLockName(1)] = "stale-worker"
	c := NewClaimer(st, locks, nil, log.NewNop())

	msgs, err := c.Claim(context.Background(), ClaimRequest{Channel: "jobs", Worker: "w1", BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != 2 {
		t.Fatalf("claimed %+v, want only message 2", msgs)
	}
	m, _ := st.GetMessage(context.Background(), 1)
	if m.Status != store.StatusPending || m.ClaimedBy != nil {
		t.Fatalf("conflicting message = %+v, want returned to pending", m)
	}
}

func TestClaimRechecksOwnership(t *testing.T) {
	st := newMemStore(1)
	locks := newMemLocks()
	st.afterClaim = func() {
		st.mu.Lock()
		other := "w2"
		st.msgs[1].ClaimedBy = &other
		st.mu.Unlock()
	}
	c := NewClaimer(st, locks, nil, log.NewNop())

	msgs, err := c.Claim(context.Background(), ClaimRequest{Channel: "jobs", Worker: "w1", BatchSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("claimed %+v after losing ownership", msgs)
	}
	if locks.held(TaskLockName(1)) {
		t.Fatal("task lock kept after failed re-check")
	}
}

func TestClaimByID(t *testing.T) {
	st := newMemStore(1)
	c := NewClaimer(st, newMemLocks(), nil, log.NewNop())
	ctx := context.Background()

	m, ok, err := c.ClaimByID(ctx, 1, "w1")
	if err != nil || !ok || m.ID != 1 {
		t.Fatalf("ClaimByID = %+v, %v, %v", m, ok, err)
	}
	if _, ok, err := c.ClaimByID(ctx, 1, "w2"); err != nil || ok {
		t.Fatalf("second ClaimByID = %v, %v; want not claimable", ok, err)
	}
	if _, _, err := c.ClaimByID(ctx, 99, "w1"); !errors.Is(err, store.ErrMessageNotFound) {
		t.Fatalf("missing message err = %v", err)
	}
}

func TestCompleteReleasesTaskLock(t *testing.T) {
	st := newMemStore(2)
	locks := newMemLocks()
	c := NewClaimer(st, locks, nil, log.NewNop())
	ctx := context.Background()
	if _, err := c.Claim(ctx, ClaimRequest{Channel: "jobs", Worker: "w1", BatchSize: 2}); err != nil {
		t.Fatal(err)
	}

	status, err := c.Complete(ctx, CompleteRequest{ID: 1, Worker: "w1", Success: true})
	if err != nil || status != store.StatusCompleted {
		t.Fatalf("Complete = %s, %v", status, err)
	}
	status, err = c.Complete(ctx, CompleteRequest{ID: 2, Success: false, Error: "boom"})
	if err != nil || status != store.StatusPending {
		t.Fatalf("failed Complete = %s, %v", status, err)
	}
	for _, id := range []int64{1, 2} {
		if locks.held(TaskLockName(id)) {
			t.Fatalf("task lock %d still held", id)
		}
	}
	if _, err := c.Complete(ctx, CompleteRequest{ID: 1, Worker: "w1", Success: true}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("completing twice err = %v, want ErrInvalidTransition", err)
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	st := newMemStore(100)
	c := NewClaimer(st, newMemLocks(), nil, log.NewNop())

	var mu sync.Mutex
	seen := make(map[int64]string)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		worker := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msgs, err := c.Claim(context.Background(), ClaimRequest{Channel: "jobs", Worker: worker, BatchSize: 3})
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if len(msgs) == 0 {
					return
				}
				mu.Lock()
				for _, m := range msgs {
					if prev, dup := seen[m.ID]; dup {
						t.Errorf("message %d claimed by %s and %s", m.ID, prev, worker)
					}
					seen[m.ID] = worker
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 100 {
		t.Fatalf("claimed %d messages, want 100", len(seen))
	}
}

func TestConsumerProcessOnce(t *testing.T) {
	st := newMemStore(4)
	c := NewClaimer(st, newMemLocks(), nil, log.NewNop())
	var handled atomic.Int32
	handler := func(ctx context.Context, m store.Message) error {
		handled.Add(1)
		switch m.ID {
		case 3:
			return errors.New("boom")
		case 4:
			panic("handler exploded")
		}
		return nil
	}
	consumer := NewConsumer(c, handler, ConsumerOptions{Channel: "jobs", Worker: "w1", BatchSize: 10, Concurrency: 2}, log.NewNop())

	n, err := consumer.ProcessOnce(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("ProcessOnce = %d, %v", n, err)
	}
	if handled.Load() != 4 {
		t.Fatalf("handled %d, want 4", handled.Load())
	}
	want := map[int64]store.Status{1: store.StatusCompleted, 2: store.StatusCompleted, 3: store.StatusPending, 4: store.StatusPending}
	for id, status := range want {
		m, _ := st.GetMessage(context.Background(), id)
		if m.Status != status {
			t.Fatalf("message %d status = %s, want %s", id, m.Status, status)
		}
	}
}

func TestConsumerRunDrainsQueue(t *testing.T) {
	st := newMemStore(25)
	c := NewClaimer(st, newMemLocks(), nil, log.NewNop())
	var handled atomic.Int32
	consumer := NewConsumer(c, func(ctx context.Context, m store.Message) error {
		handled.Add(1)
		return nil
	}, ConsumerOptions{Channel: "jobs", Worker: "w1", BatchSize: 5, Concurrency: 3, PollInterval: 10 * time.Millisecond}, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(done)
	}()
	deadline := time.After(5 * time.Second)
	for handled.Load() < 25 {
		select {
		case <-deadline:
			t.Fatalf("handled %d of 25 messages", handled.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestClaimGivesBackWhenRecheckFails(t *testing.T) {
	st := newMemStore(1)
	locks := newMemLocks()
	st.failGets = 1
	c := NewClaimer(st, locks, nil, log.NewNop())
	ctx := context.Background()

	msgs, err := c.Claim(ctx, ClaimRequest{Channel: "jobs", Worker: "w1", BatchSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("claimed %+v, want nothing after a failed re-read", msgs)
	}
	m, _ := st.GetMessage(ctx, 1)
	if m.Status != store.StatusPending || m.ClaimedBy != nil {
		t.Fatalf("message = %+v, want returned to pending", m)
	}
	if locks.held(TaskLockName(1)) {
		t.Fatal("task lock still held")
	}

	msgs, err = c.Claim(ctx, ClaimRequest{Channel: "jobs", Worker: "w2", BatchSize: 1})
	if err != nil || len(msgs) != 1 || msgs[0].ID != 1 {
		t.Fatalf("second claim = %+v, %v", msgs, err)
	}
}

func TestRequeueStaleRecoversAbandonedClaims(t *testing.T) {
	st := newMemStore(4)
	locks := newMemLocks()
	st.locks = locks
	c := NewClaimer(st, locks, nil, log.NewNop())
	ctx := context.Background()

	if msgs, err := c.Claim(ctx, ClaimRequest{Channel: "jobs", Worker: "dead", BatchSize: 3}); err != nil || len(msgs) != 3 {
		t.Fatalf("claim = %+v, %v", msgs, err)
	}
	old := time.Now().Add(-10 * time.Minute)
	st.mu.Lock()
	for _, id := range []int64{1, 2, 3} {
		st.msgs[id].ClaimedAt = &old
	}
	st.msgs[3].RetryCount = 2
	st.mu.Unlock()
	// The sweeper reclaimed the dead worker's task locks except message 2's,
	// whose claimant is still alive and heartbeating.
	locks.Release(ctx, "dead", TaskLockName(1))
	locks.Release(ctx, "dead", TaskLockName(3))

	n, err := c.RequeueStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("recovered %d claims, want 2", n)
	}
	for id, want := range map[int64]store.Status{
		1: store.StatusPending,
		2: store.StatusProcessing,
		3: store.StatusDeadLetter,
		4: store.StatusPending,
	} {
		m, _ := st.GetMessage(ctx, id)
		if m.Status != want {
			t.Errorf("message %d status = %s, want %s", id, m.Status, want)
		}
	}
	if m, _ := st.GetMessage(ctx, 1); m.RetryCount != 1 || m.ClaimedBy != nil {
		t.Fatalf("recovered message = %+v", m)
	}

	msgs, err := c.Claim(ctx, ClaimRequest{Channel: "jobs", Worker: "w2", BatchSize: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != 1 || msgs[1].ID != 4 {
		t.Fatalf("claimed %+v, want messages 1 and 4", msgs)
	}
}

func TestRunReaperStopsWithContext(t *testing.T) {
	st := newMemStore(1)
	st.locks = newMemLocks()
	c := NewClaimer(st, st.locks, nil, log.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := c.Claim(ctx, ClaimRequest{Channel: "jobs", Worker: "dead", BatchSize: 1}); err != nil {
		t.Fatal(err)
	}
	st.locks.Release(ctx, "dead", TaskLockName(1))

	done := make(chan struct{})
	go func() {
		c.RunReaper(ctx, 5*time.Millisecond, 0)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		m, _ := st.GetMessage(ctx, 1)
		if m.Status == store.StatusPending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message = %+v, want recovered by the reaper", m)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
