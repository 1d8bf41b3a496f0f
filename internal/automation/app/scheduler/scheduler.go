// Package scheduler resumes delayed runs once they are due and fires time
// based workflows on their cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/reachflow-go/internal/automation/app/engine"
	"github.com/reachflow-go/internal/automation/app/trigger"
	"github.com/reachflow-go/internal/automation/ports"
	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/logger"
	"github.com/reachflow-go/pkg/metrics"
)

const LeaderLockKey = "automation:scheduler:cron-leader"

// RunResumer continues a waiting run.
type RunResumer interface {
	ResumeRun(ctx context.Context, tenantID, runID string) (*engine.RunResult, error)
}

// ScheduledStarter creates and executes the run of one cron occurrence.
type ScheduledStarter interface {
	HandleScheduled(ctx context.Context, wf *automation.Workflow, scheduledAt time.Time) trigger.TriggerResult
}

type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	CronInterval  time.Duration
	LeaderLockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  10 * time.Second,
		BatchSize:     100,
		CronInterval:  time.Minute,
		LeaderLockTTL: 90 * time.Second,
	}
}

type Scheduler struct {
	config     Config
	runs       ports.RunRepository
	workflows  ports.WorkflowRepository
	resumer    RunResumer
	starter    ScheduledStarter
	publisher  ports.EventPublisher
	redis      redis.UniversalClient
	logger     logger.Logger
	instanceID string
	now        func() time.Time

	pollMu sync.Mutex
	cronMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler. redisClient may be nil, in which case this
// instance always runs the cron scan.
func New(
	cfg Config,
	runs ports.RunRepository,
	workflows ports.WorkflowRepository,
	resumer RunResumer,
	starter ScheduledStarter,
	publisher ports.EventPublisher,
	redisClient redis.UniversalClient,
	log logger.Logger,
) *Scheduler {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.CronInterval <= 0 {
		cfg.CronInterval = defaults.CronInterval
	}
	if cfg.LeaderLockTTL <= 0 {
		cfg.LeaderLockTTL = defaults.LeaderLockTTL
	}

	return &Scheduler{
		config:     cfg,
		runs:       runs,
		workflows:  workflows,
		resumer:    resumer,
		starter:    starter,
		publisher:  publisher,
		redis:      redisClient,
		logger:     log.With("component", "scheduler"),
		instanceID: uuid.New().String(),
		now:        func() time.Time { return time.Now().UTC() },
		stopCh:     make(chan struct{}),
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start launches the poll loop and the cron scan loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler",
		"pollInterval", s.config.PollInterval,
		"batchSize", s.config.BatchSize,
		"cronInterval", s.config.CronInterval,
	)

	s.wg.Add(2)
	go s.loop(ctx, "poll", s.config.PollInterval, func(ctx context.Context) {
		if _, err := s.ProcessDueRuns(ctx); err != nil {
			s.logger.Error("Failed to process due runs", "error", err)
		}
	})
	go s.loop(ctx, "cron", s.config.CronInterval, func(ctx context.Context) {
		if _, err := s.ScanSchedules(ctx); err != nil {
			s.logger.Error("Failed to scan schedules", "error", err)
		}
	})
}

// Stop waits for the in-flight ticks to finish and releases the leader lock.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()

	if s.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if held, err := s.redis.Get(ctx, LeaderLockKey).Result(); err == nil && held == s.instanceID {
			s.redis.Del(ctx, LeaderLockKey)
		}
	}
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordSchedulerTick(name)
			tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessDueRuns resumes up to BatchSize due runs one after another and
// returns how many were resumed. A tick that overlaps a previous one is
// skipped. Per-run failures are logged and never abort the batch.
func (s *Scheduler) ProcessDueRuns(ctx context.Context) (int, error) {
	if !s.pollMu.TryLock() {
		s.logger.Debug("Previous poll still running, skipping tick")
		return 0, nil
	}
	defer s.pollMu.Unlock()

	due, err := s.runs.FindDueRuns(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find due runs: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	s.logger.Debug("Resuming due runs", "count", len(due))

	resumed := 0
	for _, run := range due {
		if ctx.Err() != nil {
			break
		}

		result, err := s.resumer.ResumeRun(ctx, run.TenantID, run.ID)
		if err != nil {
			metrics.RecordSchedulerResume("error")
			s.logger.Error("Failed to resume run", "runId", run.ID, "tenantId", run.TenantID, "error", err)
			continue
		}

		if result.Error != "" && result.Status != automation.RunFailed {
			// Claimed elsewhere or cancelled before the claim
			metrics.RecordSchedulerResume("skipped")
			continue
		}

		metrics.RecordSchedulerResume(string(result.Status))
		resumed++
	}

	return resumed, nil
}

// ScanSchedules fires every published time based workflow whose next cron
// occurrence after its last trigger is due. Occurrences missed while the
// scheduler was down collapse into a single run.
func (s *Scheduler) ScanSchedules(ctx context.Context) (int, error) {
	if !s.cronMu.TryLock() {
		return 0, nil
	}
	defer s.cronMu.Unlock()

	if !s.acquireLeadership(ctx) {
		return 0, nil
	}

	workflows, err := s.workflows.ListPublishedByTriggerAllTenants(ctx, automation.TriggerTimeBased)
	if err != nil {
		return 0, fmt.Errorf("load time based workflows: %w", err)
	}

	now := s.now()
	fired := 0
	for _, wf := range workflows {
		occurrence, due, err := NextOccurrence(wf, now)
		if err != nil {
			s.logger.Warn("Skipping workflow with invalid schedule", "workflowId", wf.ID, "cron", wf.TriggerConfig.Cron, "error", err)
			continue
		}
		if !due {
			continue
		}

		// Record the trigger first so a slow run never fires twice
		if err := s.workflows.MarkTriggered(ctx, wf.TenantID, wf.ID, now); err != nil {
			s.logger.Error("Failed to record schedule trigger", "workflowId", wf.ID, "error", err)
			continue
		}

		result := s.starter.HandleScheduled(ctx, wf, occurrence)
		if !result.Triggered {
			s.logger.Error("Scheduled trigger did not start a run", "workflowId", wf.ID, "reason", result.Reason)
			continue
		}
		fired++

		if wf.TriggerConfig.SegmentID != "" {
			s.requestSegmentExpansion(ctx, wf, result.RunID, occurrence)
		}
	}

	return fired, nil
}

// NextOccurrence reports the first cron occurrence after the workflow was
// last triggered (or published) and whether it is due at now.
func NextOccurrence(wf *automation.Workflow, now time.Time) (time.Time, bool, error) {
	schedule, err := cron.ParseStandard(wf.TriggerConfig.Cron)
	if err != nil {
		return time.Time{}, false, err
	}

	loc := time.UTC
	if tz := wf.TriggerConfig.Timezone; tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return time.Time{}, false, err
		}
	}

	from := wf.CreatedAt
	switch {
	case wf.LastTriggeredAt != nil:
		from = *wf.LastTriggeredAt
	case wf.PublishedAt != nil:
		from = *wf.PublishedAt
	}

	next := schedule.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next.UTC(), !next.After(now), nil
}

func (s *Scheduler) requestSegmentExpansion(ctx context.Context, wf *automation.Workflow, runID string, occurrence time.Time) {
	err := s.publisher.Publish(ctx, ports.SubjectSegmentExpand, map[string]interface{}{
		"tenantId":    wf.TenantID,
		"workflowId":  wf.ID,
		"runId":       runID,
		"segmentId":   wf.TriggerConfig.SegmentID,
		"scheduledAt": occurrence.Format(time.RFC3339),
	}, ports.PublishOptions{
		TenantID:    wf.TenantID,
		AggregateID: wf.ID,
	})
	if err != nil {
		s.logger.Warn("Failed to publish segment expansion", "workflowId", wf.ID, "segmentId", wf.TriggerConfig.SegmentID, "error", err)
	}
}

// acquireLeadership takes or renews the cron leader lock. Without Redis the
// instance is always the leader.
func (s *Scheduler) acquireLeadership(ctx context.Context) bool {
	if s.redis == nil {
		return true
	}

	ok, err := s.redis.SetNX(ctx, LeaderLockKey, s.instanceID, s.config.LeaderLockTTL).Result()
	if err != nil {
		s.logger.Error("Failed to acquire leader lock", "error", err)
		return false
	}
	if ok {
		s.logger.Info("Acquired cron leader lock", "instanceId", s.instanceID)
		return true
	}

	holder, err := s.redis.Get(ctx, LeaderLockKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error("Failed to read leader lock", "error", err)
		}
		return false
	}
	if holder != s.instanceID {
		return false
	}

	if err := s.redis.Expire(ctx, LeaderLockKey, s.config.LeaderLockTTL).Err(); err != nil {
		s.logger.Warn("Failed to renew leader lock", "error", err)
	}
	return true
}
