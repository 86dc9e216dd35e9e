// Package dispatchjob defines the persisted DispatchJob scheduled by the
// dispatch scheduler and delivered through the message router.
package dispatchjob

import (
	"time"
)

// Status is the lifecycle state of a dispatch job.
//
// Transitions are monotone except the PENDING<->QUEUED reclaim performed by
// the scheduler's stale-QUEUED sweep (see scheduler.Scheduler.recoverStaleJobs).
type Status string

const (
	StatusPending Status = "PENDING"
	StatusQueued  Status = "QUEUED"
	StatusInFlight Status = "IN_FLIGHT"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusExpired Status = "EXPIRED"
)

// Mode controls how a message group is allowed to progress when a prior job
// in that group failed.
type Mode string

const (
	// ModeImmediate jobs are always dispatchable regardless of sibling state.
	ModeImmediate Mode = "IMMEDIATE"

	// ModeBlockOnError jobs are withheld while any FAILED job exists in the
	// same message group.
	ModeBlockOnError Mode = "BLOCK_ON_ERROR"
)

// AttemptStatus categorizes the outcome of a single delivery attempt.
type AttemptStatus string

const (
	AttemptStatusSuccess         AttemptStatus = "SUCCESS"
	AttemptStatusClientError     AttemptStatus = "CLIENT_ERROR"
	AttemptStatusServerError     AttemptStatus = "SERVER_ERROR"
	AttemptStatusTimeout         AttemptStatus = "TIMEOUT"
	AttemptStatusConnectionError AttemptStatus = "CONNECTION_ERROR"
)

// ErrorType categorizes an attempt failure for retry bookkeeping.
type ErrorType string

const (
	ErrorTypeTransient ErrorType = "TRANSIENT"
	ErrorTypePermanent ErrorType = "PERMANENT"
	ErrorTypeUnknown   ErrorType = "UNKNOWN"
)

// DispatchJob is the durable row the scheduler publishes onto the queue when
// due. bson/json tags keep the
// MongoDB and wire representations aligned.
type DispatchJob struct {
	ID              string    `bson:"_id" json:"id"`
	Status          Status    `bson:"status" json:"status"`
	Mode            Mode      `bson:"mode" json:"mode"`
	MessageGroup    string    `bson:"messageGroup" json:"messageGroup"`
	Sequence        int64     `bson:"sequence" json:"sequence"`
	DispatchPoolID  string    `bson:"dispatchPoolId" json:"dispatchPoolId"`
	TargetURL       string    `bson:"targetUrl" json:"targetUrl"`
	Payload         string    `bson:"payload" json:"payload"`
	Headers         map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`
	TimeoutSeconds  int       `bson:"timeoutSeconds" json:"timeoutSeconds"`
	MaxRetries      int       `bson:"maxRetries" json:"maxRetries"`
	RetryStrategy   string    `bson:"retryStrategy,omitempty" json:"retryStrategy,omitempty"`
	ScheduledFor    time.Time `bson:"scheduledFor" json:"scheduledFor"`
	ExpiresAt       time.Time `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	AttemptCount    int       `bson:"attemptCount" json:"attemptCount"`
	CreatedAt       time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time `bson:"updatedAt" json:"updatedAt"`

	// CompletedAt/DurationMillis/LastError are populated by completion
	// feedback once the router reports the outcome.
	CompletedAt    time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	DurationMillis int64     `bson:"durationMillis,omitempty" json:"durationMillis,omitempty"`
	LastError      string    `bson:"lastError,omitempty" json:"lastError,omitempty"`
}

// Attempt is a single recorded delivery attempt, appended to
// dispatch_job_attempts on completion feedback.
type Attempt struct {
	ID             string        `bson:"id" json:"id"`
	DispatchJobID  string        `bson:"dispatchJobId" json:"dispatchJobId"`
	AttemptNumber  int           `bson:"attemptNumber" json:"attemptNumber"`
	AttemptedAt    time.Time     `bson:"attemptedAt" json:"attemptedAt"`
	CompletedAt    time.Time     `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	DurationMillis int64         `bson:"durationMillis,omitempty" json:"durationMillis,omitempty"`
	Status         AttemptStatus `bson:"status" json:"status"`
	ResponseCode   int           `bson:"responseCode,omitempty" json:"responseCode,omitempty"`
	ResponseBody   string        `bson:"responseBody,omitempty" json:"responseBody,omitempty"`
	ErrorMessage   string        `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	ErrorType      ErrorType     `bson:"errorType,omitempty" json:"errorType,omitempty"`
}

// IsBlockOnError reports whether the job withholds its group on failure.
func (j *DispatchJob) IsBlockOnError() bool {
	return j.Mode == ModeBlockOnError
}

// IsExpired reports whether the job's expiry deadline has passed.
func (j *DispatchJob) IsExpired(now time.Time) bool {
	if j.ExpiresAt.IsZero() {
		return false
	}
	return now.After(j.ExpiresAt)
}

// IsDue reports whether the job's scheduled time has arrived.
func (j *DispatchJob) IsDue(now time.Time) bool {
	return j.ScheduledFor.IsZero() || !j.ScheduledFor.After(now)
}

// EffectiveGroup returns MessageGroup, falling back to "default" per the
// scheduler<->queue contract.
func (j *DispatchJob) EffectiveGroup() string {
	if j.MessageGroup == "" {
		return "default"
	}
	return j.MessageGroup
}
