// Package scheduler provides dispatch job scheduling
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/flowcatalyst/router/internal/common/leader"
	"github.com/flowcatalyst/router/internal/common/metrics"
	"github.com/flowcatalyst/router/internal/platform/dispatchjob"
	"github.com/flowcatalyst/router/internal/queue"
	"github.com/flowcatalyst/router/internal/router/model"
)

// SchedulerConfig holds configuration for the dispatch scheduler
type SchedulerConfig struct {
	// PollInterval is how often to poll for pending jobs
	PollInterval time.Duration

	// BatchSize is the maximum jobs to fetch per poll
	BatchSize int

	// MaxConcurrentGroups bounds how many message groups publish concurrently
	// per poll tick; within a group, jobs still publish one at a time.
	MaxConcurrentGroups int

	// StaleThreshold is how long before a QUEUED job is considered stale
	StaleThreshold time.Duration

	// StaleCheckInterval is how often to check for stale jobs
	StaleCheckInterval time.Duration

	// ExpiredCheckInterval is how often to sweep for expired jobs
	ExpiredCheckInterval time.Duration

	// ExpiredBatchSize is the maximum rows swept per expiry tick
	ExpiredBatchSize int

	// LeaderElection enables distributed leader election
	LeaderElection LeaderElectionConfig

	// ProcessingEndpoint is the URL the message router calls back to process jobs
	// e.g., "http://localhost:8080/api/dispatch/process"
	ProcessingEndpoint string

	// DefaultDispatchPoolCode is the default pool code when job has none
	DefaultDispatchPoolCode string

	// AppKey is the secret key for HMAC auth token generation
	AppKey string
}

// LeaderElectionConfig holds leader election settings
type LeaderElectionConfig struct {
	// Enabled controls whether leader election is active
	Enabled bool

	// InstanceID uniquely identifies this instance
	InstanceID string

	// TTL is how long the lock is valid before expiring
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PollInterval:            5 * time.Second,
		BatchSize:               100,
		MaxConcurrentGroups:     10,
		StaleThreshold:          15 * time.Minute,
		StaleCheckInterval:      30 * time.Second,
		ExpiredCheckInterval:    60 * time.Second,
		ExpiredBatchSize:        200,
		ProcessingEndpoint:      "http://localhost:8080/api/dispatch/process",
		DefaultDispatchPoolCode: "DEFAULT-POOL",
	}
}

// electorHandle is the subset of leader.RedisLeaderElector the scheduler
// depends on; kept as an interface so tests can stub it out.
type electorHandle interface {
	Start(ctx context.Context) error
	Stop()
	IsPrimary() bool
	InstanceID() string
}

// Scheduler polls PENDING dispatch jobs, publishes one per message group at a
// time onto the queue, and reclaims stale QUEUED / expired rows.
type Scheduler struct {
	config    *SchedulerConfig
	publisher queue.Publisher

	jobRepo       dispatchjob.Repository
	blockChecker  *BlockChecker
	leaderElector electorHandle
	authService   *dispatchjob.DispatchAuthService

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewScheduler creates a new dispatch scheduler. redisClient may be nil when
// config.LeaderElection.Enabled is false.
func NewScheduler(jobRepo dispatchjob.Repository, publisher queue.Publisher, redisClient *redis.Client, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	authService := dispatchjob.NewDispatchAuthService(config.AppKey, nil)

	s := &Scheduler{
		config:       config,
		publisher:    publisher,
		jobRepo:      jobRepo,
		blockChecker: NewBlockChecker(jobRepo),
		authService:  authService,
		ctx:          ctx,
		cancel:       cancel,
	}

	if config.LeaderElection.Enabled && redisClient != nil {
		electorConfig := leader.DefaultRedisElectorConfig("scheduler-leader")
		if config.LeaderElection.InstanceID != "" {
			electorConfig.InstanceID = config.LeaderElection.InstanceID
		}
		if config.LeaderElection.TTL != 0 {
			electorConfig.TTL = config.LeaderElection.TTL
		}
		if config.LeaderElection.RefreshInterval != 0 {
			electorConfig.RefreshInterval = config.LeaderElection.RefreshInterval
		}

		s.leaderElector = leader.NewRedisLeaderElector(redisClient, electorConfig)
	}

	return s
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		slog.Warn("Scheduler already running")
		return
	}
	s.running = true
	s.runningMu.Unlock()

	if s.leaderElector != nil {
		if err := s.leaderElector.Start(s.ctx); err != nil {
			slog.Error("Failed to start leader election", "error", err)
		} else {
			slog.Info("Leader election enabled for scheduler", "instanceId", s.leaderElector.InstanceID())
		}
	}

	s.wg.Add(1)
	go s.pollLoop()

	s.wg.Add(1)
	go s.staleRecoveryLoop()

	s.wg.Add(1)
	go s.expiredSweepLoop()

	slog.Info("Dispatch scheduler started", "pollInterval", s.config.PollInterval, "batchSize", s.config.BatchSize, "leaderElection", s.leaderElector != nil)
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	slog.Info("Stopping dispatch scheduler")

	s.cancel()
	s.wg.Wait()

	if s.leaderElector != nil {
		s.leaderElector.Stop()
	}

	slog.Info("Dispatch scheduler stopped")
}

// IsRunning returns true if the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.running
}

// IsPrimary returns true if this instance is the leader (or leader election is disabled)
func (s *Scheduler) IsPrimary() bool {
	if s.leaderElector == nil {
		return true
	}
	return s.leaderElector.IsPrimary()
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.pollAndDispatch()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pollAndDispatch()
		}
	}
}

// pollAndDispatch implements the pending-job poll: select dispatchable rows,
// group by messageGroup, filter out BLOCK_ON_ERROR groups that currently
// hold a FAILED sibling, then hand each group to the group dispatcher.
func (s *Scheduler) pollAndDispatch() {
	if !s.IsPrimary() {
		slog.Debug("Skipping poll - not the leader")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	now := time.Now()
	jobs, err := s.jobRepo.FindDispatchable(ctx, now, s.config.BatchSize)
	if err != nil {
		slog.Error("Failed to poll for pending jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	jobsByGroup := make(map[string][]*dispatchjob.DispatchJob)
	for _, job := range jobs {
		group := job.EffectiveGroup()
		jobsByGroup[group] = append(jobsByGroup[group], job)
	}

	metrics.SchedulerJobsPending.Set(float64(len(jobs)))
	slog.Debug("Polled pending dispatch jobs", "jobCount", len(jobs), "groupCount", len(jobsByGroup))

	blockOnErrorGroups := make([]string, 0, len(jobsByGroup))
	for group, groupJobs := range jobsByGroup {
		for _, job := range groupJobs {
			if job.IsBlockOnError() {
				blockOnErrorGroups = append(blockOnErrorGroups, group)
				break
			}
		}
	}
	blockedGroups := s.blockChecker.GetBlockedGroups(ctx, blockOnErrorGroups)

	// Group dispatcher: global semaphore of size MaxConcurrentGroups, one
	// goroutine per group publishing its dispatchable jobs in FIFO order.
	sem := make(chan struct{}, s.config.MaxConcurrentGroups)
	var wg sync.WaitGroup

	var blockedCount int
	for group, groupJobs := range jobsByGroup {
		dispatchable := groupJobs[:0:0]
		for _, job := range groupJobs {
			if job.IsBlockOnError() && blockedGroups[group] {
				blockedCount++
				continue
			}
			dispatchable = append(dispatchable, job)
		}
		if len(dispatchable) == 0 {
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(group string, jobs []*dispatchjob.DispatchJob) {
			defer wg.Done()
			defer func() { <-sem }()
			s.dispatchGroup(ctx, group, jobs)
		}(group, dispatchable)
	}
	wg.Wait()

	if blockedCount > 0 {
		slog.Info("Filtered blocked jobs due to BLOCK_ON_ERROR mode", "blockedJobs", blockedCount, "blockedGroups", len(blockedGroups))
	}
}

// dispatchGroup publishes a single message group's jobs one at a time, in
// the order they arrived from FindDispatchable (messageGroup, sequence,
// createdAt).
func (s *Scheduler) dispatchGroup(ctx context.Context, group string, jobs []*dispatchjob.DispatchJob) {
	dispatched := 0
	for _, job := range jobs {
		if err := s.dispatchJob(ctx, job); err != nil {
			slog.Error("Failed to dispatch job", "error", err, "jobId", job.ID, "messageGroup", group)
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		slog.Debug("Dispatched group", "messageGroup", group, "dispatched", dispatched, "total", len(jobs))
	}
}

// dispatchJob publishes a single job and transitions it PENDING -> QUEUED.
// On publish failure the row is left PENDING with attemptCount incremented
// so the next poll tick retries it.
func (s *Scheduler) dispatchJob(ctx context.Context, job *dispatchjob.DispatchJob) error {
	authToken, err := s.authService.GenerateAuthToken(job.ID)
	if err != nil {
		slog.Warn("Failed to generate auth token, using empty token", "error", err, "jobId", job.ID)
		authToken = ""
	}

	poolCode := job.DispatchPoolID
	if poolCode == "" {
		poolCode = s.config.DefaultDispatchPoolCode
	}

	pointer := &model.MessagePointer{
		ID:              job.ID,
		PoolCode:        poolCode,
		AuthToken:       authToken,
		MediationType:   model.MediationTypeHTTP,
		MediationTarget: s.config.ProcessingEndpoint,
		MessageGroupID:  job.EffectiveGroup(),
	}

	data, err := json.Marshal(pointer)
	if err != nil {
		return err
	}

	subject := "dispatch." + poolCode

	if err := s.publisher.Publish(ctx, subject, data); err != nil {
		if updateErr := s.jobRepo.ConditionalUpdateStatus(ctx, job.ID, dispatchjob.StatusPending, dispatchjob.StatusPending, func(j *dispatchjob.DispatchJob) {
			j.AttemptCount++
		}); updateErr != nil && updateErr != dispatchjob.ErrConflict {
			slog.Error("Failed to record publish failure", "error", updateErr, "jobId", job.ID)
		}
		return err
	}

	err = s.jobRepo.ConditionalUpdateStatus(ctx, job.ID, dispatchjob.StatusPending, dispatchjob.StatusQueued, nil)
	if err != nil && err != dispatchjob.ErrConflict {
		slog.Error("Failed to update job status to QUEUED", "error", err, "jobId", job.ID)
	}

	metrics.SchedulerJobsScheduled.Inc()
	slog.Debug("Dispatched job to queue", "jobId", job.ID, "pool", poolCode, "subject", subject)

	return nil
}

func (s *Scheduler) staleRecoveryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.recoverStaleJobs()
		}
	}
}

// recoverStaleJobs implements the stale-QUEUED reclaim: rows stuck in
// QUEUED past StaleThreshold are reset to PENDING without touching
// attemptCount, guarding against lost queue messages.
func (s *Scheduler) recoverStaleJobs() {
	if !s.IsPrimary() {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	staleThreshold := time.Now().Add(-s.config.StaleThreshold)

	stale, err := s.jobRepo.FindStaleQueued(ctx, staleThreshold)
	if err != nil {
		slog.Error("Failed to find stale queued jobs", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	ids := make([]string, len(stale))
	for i, job := range stale {
		ids[i] = job.ID
	}

	if err := s.jobRepo.ResetStaleToPending(ctx, ids); err != nil {
		slog.Error("Failed to recover stale jobs", "error", err)
		return
	}

	metrics.SchedulerStaleJobs.Add(float64(len(ids)))
	slog.Warn("Recovered stale QUEUED jobs", "count", len(ids), "threshold", s.config.StaleThreshold)
}

func (s *Scheduler) expiredSweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ExpiredCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpiredJobs()
		}
	}
}

// sweepExpiredJobs marks PENDING|QUEUED rows whose expiresAt has passed as
// EXPIRED.
func (s *Scheduler) sweepExpiredJobs() {
	if !s.IsPrimary() {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	expirable, err := s.jobRepo.FindExpirable(ctx, time.Now(), s.config.ExpiredBatchSize)
	if err != nil {
		slog.Error("Failed to find expirable jobs", "error", err)
		return
	}
	if len(expirable) == 0 {
		return
	}

	ids := make([]string, len(expirable))
	for i, job := range expirable {
		ids[i] = job.ID
	}

	if err := s.jobRepo.MarkExpired(ctx, ids); err != nil {
		slog.Error("Failed to mark jobs expired", "error", err)
		return
	}

	slog.Warn("Marked expired dispatch jobs", "count", len(ids))
}

// RecordCompletion implements completion feedback: when the router reports
// an outcome for a dispatch job, the scheduler records SUCCESS|FAILED along
// with the attempt audit trail. The group's next row becomes eligible at
// the next poll tick.
func (s *Scheduler) RecordCompletion(ctx context.Context, jobID string, success bool, duration time.Duration, lastError string, attempt dispatchjob.Attempt) error {
	next := dispatchjob.StatusSuccess
	if !success {
		next = dispatchjob.StatusFailed
	}

	err := s.jobRepo.ConditionalUpdateStatus(ctx, jobID, dispatchjob.StatusQueued, next, func(j *dispatchjob.DispatchJob) {
		j.CompletedAt = time.Now()
		j.DurationMillis = duration.Milliseconds()
		j.LastError = lastError
	})
	if err != nil && err != dispatchjob.ErrConflict {
		return err
	}

	if recordErr := s.jobRepo.RecordAttempt(ctx, jobID, attempt); recordErr != nil {
		slog.Error("Failed to record dispatch attempt", "error", recordErr, "jobId", jobID)
	}

	return nil
}
