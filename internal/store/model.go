package store

import (
	"encoding/json"
	"slices"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

type Channel struct {
	Name               string        `json:"name"`
	EventTypes         []string      `json:"eventTypes"`
	Active             bool          `json:"active"`
	Retention          time.Duration `json:"retention"`
	MaxEventsPerMinute int           `json:"maxEventsPerMinute"`
	MaxRetries         int           `json:"maxRetries"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// Supports reports whether the channel accepts the event type. A channel
// without declared event types accepts any.
func (c Channel) Supports(eventType string) bool {
	return len(c.EventTypes) == 0 || slices.Contains(c.EventTypes, eventType)
}

type Message struct {
	ID          int64           `json:"id"`
	Channel     string          `json:"channel"`
	EventType   string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	Sender      string          `json:"sender"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	LastError   *string         `json:"lastError,omitempty"`
	ClaimedBy   *string         `json:"claimedBy,omitempty"`
	ClaimedAt   *time.Time      `json:"claimedAt,omitempty"`
	AvailableAt time.Time       `json:"availableAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// ClaimedByWorker reports whether the message is in processing under worker.
func (m Message) ClaimedByWorker(worker string) bool {
	return m.Status == StatusProcessing && m.ClaimedBy != nil && *m.ClaimedBy == worker
}

type SubscriptionMode string

const (
	ModeLive       SubscriptionMode = "live"
	ModePersistent SubscriptionMode = "persistent"
	ModeBoth       SubscriptionMode = "both"
)

func (m SubscriptionMode) Valid() bool {
	return m == ModeLive || m == ModePersistent || m == ModeBoth
}

// Live reports whether the subscriber receives live notifications.
func (m SubscriptionMode) Live() bool { return m == ModeLive || m == ModeBoth }

// Persistent reports whether the subscriber expects persisted delivery.
func (m SubscriptionMode) Persistent() bool { return m == ModePersistent || m == ModeBoth }

type Subscriber struct {
	Channel      string           `json:"channel"`
	SubscriberID string           `json:"subscriberId"`
	Mode         SubscriptionMode `json:"mode"`
	Filter       string           `json:"filter,omitempty"`
	Active       bool             `json:"active"`
	LastActivity time.Time        `json:"lastActivity"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// PublishRecord is the immutable audit entry written for every publish.
type PublishRecord struct {
	ID              int64           `json:"id"`
	Channel         string          `json:"channel"`
	EventType       string          `json:"eventType"`
	Payload         json.RawMessage `json:"payload"`
	Sender          string          `json:"sender"`
	SubscriberCount int             `json:"subscriberCount"`
	MessageID       *int64          `json:"messageId,omitempty"`
	PublishedAt     time.Time       `json:"publishedAt"`
}

type LockScope string

const (
	ScopeSession     LockScope = "session"
	ScopeTransaction LockScope = "transaction"
	ScopeGlobal      LockScope = "global"
)

func (s LockScope) Valid() bool {
	return s == ScopeSession || s == ScopeTransaction || s == ScopeGlobal
}

type LockMode string

const (
	LockExclusive    LockMode = "exclusive"
	LockShared       LockMode = "shared"
	LockTryExclusive LockMode = "try_exclusive"
	LockTryShared    LockMode = "try_shared"
)

func (m LockMode) Exclusive() bool {
	return m == LockExclusive || m == LockTryExclusive
}

type Lock struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Scope       LockScope `json:"scope"`
	CreatedAt   time.Time `json:"createdAt"`
}

// LockAcquisition records one acquisition attempt and, on success, the hold.
type LockAcquisition struct {
	ID            int64      `json:"id"`
	LockID        int64      `json:"lockId"`
	LockName      string     `json:"lockName"`
	Holder        string     `json:"holder"`
	Mode          LockMode   `json:"mode"`
	Success       bool       `json:"success"`
	Context       string     `json:"context,omitempty"`
	AcquiredAt    time.Time  `json:"acquiredAt"`
	HeartbeatAt   time.Time  `json:"heartbeatAt"`
	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`
	ForceReleased bool       `json:"forceReleased"`
}

// Held reports whether the acquisition is a live hold.
func (a LockAcquisition) Held() bool {
	return a.Success && a.ReleasedAt == nil
}

type ScheduledJob struct {
	Name           string        `json:"name"`
	Schedule       string        `json:"schedule"`
	Operation      string        `json:"operation"`
	MaxDuration    time.Duration `json:"maxDuration"`
	Active         bool          `json:"active"`
	LastRun        *time.Time    `json:"lastRun,omitempty"`
	NextRun        *time.Time    `json:"nextRun,omitempty"`
	TotalRuns      int64         `json:"totalRuns"`
	SuccessfulRuns int64         `json:"successfulRuns"`
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

type JobExecution struct {
	ID           int64           `json:"id"`
	JobName      string          `json:"jobName"`
	Holder       string          `json:"holder"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Status       ExecutionStatus `json:"status"`
	RowsAffected int64           `json:"rowsAffected"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
}
