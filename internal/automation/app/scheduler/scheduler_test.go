package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachflow-go/internal/automation/adapters/db/repository"
	"github.com/reachflow-go/internal/automation/app/condition"
	"github.com/reachflow-go/internal/automation/app/engine"
	"github.com/reachflow-go/internal/automation/app/nodes"
	"github.com/reachflow-go/internal/automation/app/trigger"
	"github.com/reachflow-go/internal/automation/ports"
	"github.com/reachflow-go/internal/automation/testutil"
	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/database"
	"github.com/reachflow-go/pkg/logger"
)

var t0 = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

type fixture struct {
	db        *database.DB
	workflows *repository.WorkflowRepository
	runs      *repository.RunRepository
	publisher *testutil.RecordingPublisher
	engine    *engine.Engine
	matcher   *trigger.Matcher
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	log := logger.NewNop()
	f := &fixture{
		db:        db,
		workflows: repository.NewWorkflowRepository(db),
		runs:      repository.NewRunRepository(db),
		publisher: &testutil.RecordingPublisher{},
		now:       t0,
	}

	clock := func() time.Time { return f.now }
	evaluator := condition.NewEvaluator(log)
	executor := nodes.NewExecutor(evaluator, f.publisher, log).WithClock(clock)
	f.engine = engine.New(f.workflows, f.runs, repository.NewNodeRunRepository(db), executor, f.publisher, log, engine.WithClock(clock))
	f.matcher = trigger.NewMatcher(f.workflows, f.runs, f.engine, evaluator, f.publisher, log).WithClock(clock)
	return f
}

func (f *fixture) scheduler(resumer RunResumer, rdb redis.UniversalClient) *Scheduler {
	if resumer == nil {
		resumer = f.engine
	}
	s := New(Config{BatchSize: 10}, f.runs, f.workflows, resumer, f.matcher, f.publisher, rdb, logger.NewNop())
	return s.WithClock(func() time.Time { return f.now })
}

func delayGraph() automation.Graph {
	return automation.Graph{
		Nodes: []automation.Node{
			automation.NewNode("start", automation.StartConfig{}),
			automation.NewNode("wait", automation.DelayConfig{Duration: 2, Unit: automation.UnitHours}),
			automation.NewNode("end", automation.EndConfig{}),
		},
		Edges: []automation.Edge{
			{ID: "e1", Source: "start", Target: "wait"},
			{ID: "e2", Source: "wait", Target: "end"},
		},
	}
}

func (f *fixture) waitingRun(t *testing.T, wf *automation.Workflow, contactID string) string {
	t.Helper()
	res, err := f.matcher.TriggerManually(context.Background(), wf.TenantID, wf.ID, contactID, nil)
	require.NoError(t, err)
	require.Equal(t, automation.RunWaiting, res.Status)
	return res.RunID
}

func (f *fixture) timeBasedWorkflow(t *testing.T, cfg automation.TriggerConfig, publishedAt time.Time) *automation.Workflow {
	t.Helper()
	wf := automation.NewWorkflow("t1", "daily-"+cfg.Cron, automation.TriggerTimeBased)
	wf.TriggerConfig = cfg
	wf.Graph = automation.Graph{
		Nodes: []automation.Node{
			automation.NewNode("start", automation.StartConfig{}),
			automation.NewNode("end", automation.EndConfig{}),
		},
		Edges: []automation.Edge{{ID: "e1", Source: "start", Target: "end"}},
	}
	wf.CreatedAt = publishedAt
	wf.Publish(publishedAt)
	require.NoError(t, f.workflows.Create(context.Background(), wf))
	return wf
}

func TestProcessDueRuns_ResumesOnlyAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf := testutil.PublishedWorkflow(t, f.db, "t1", automation.TriggerEventBased,
		automation.TriggerConfig{EventTypes: []string{"x"}}, delayGraph())
	runID := f.waitingRun(t, wf, "c1")
	s := f.scheduler(nil, nil)

	f.now = t0.Add(2*time.Hour - time.Second)
	n, err := s.ProcessDueRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.now = t0.Add(2*time.Hour + time.Second)
	n, err = s.ProcessDueRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := f.runs.Get(ctx, "t1", runID)
	require.NoError(t, err)
	assert.Equal(t, automation.RunCompleted, run.Status)

	n, err = s.ProcessDueRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type stubResumer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	inner RunResumer
}

func (r *stubResumer) ResumeRun(ctx context.Context, tenantID, runID string) (*engine.RunResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runID)
	r.mu.Unlock()
	if r.fail[runID] {
		return &engine.RunResult{RunID: runID}, errors.New("database unavailable")
	}
	return r.inner.ResumeRun(ctx, tenantID, runID)
}

func TestProcessDueRuns_ErrorDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf := testutil.PublishedWorkflow(t, f.db, "t1", automation.TriggerEventBased,
		automation.TriggerConfig{EventTypes: []string{"x"}}, delayGraph())
	first := f.waitingRun(t, wf, "c1")
	f.now = t0.Add(time.Minute)
	second := f.waitingRun(t, wf, "c2")

	resumer := &stubResumer{fail: map[string]bool{first: true}, inner: f.engine}
	s := f.scheduler(resumer, nil)

	f.now = t0.Add(3 * time.Hour)
	n, err := s.ProcessDueRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{first, second}, resumer.calls, "due runs are resumed in nextExecutionAt order")

	run, err := f.runs.Get(ctx, "t1", second)
	require.NoError(t, err)
	assert.Equal(t, automation.RunCompleted, run.Status)
}

func TestProcessDueRuns_SkipsOverlappingTick(t *testing.T) {
	f := newFixture(t)
	resumer := &stubResumer{inner: f.engine}
	s := f.scheduler(resumer, nil)

	wf := testutil.PublishedWorkflow(t, f.db, "t1", automation.TriggerEventBased,
		automation.TriggerConfig{EventTypes: []string{"x"}}, delayGraph())
	f.waitingRun(t, wf, "c1")
	f.now = t0.Add(3 * time.Hour)

	s.pollMu.Lock()
	n, err := s.ProcessDueRuns(context.Background())
	s.pollMu.Unlock()

	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, resumer.calls)
}

func TestNextOccurrence(t *testing.T) {
	published := time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)
	last := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		cfg      automation.TriggerConfig
		last     *time.Time
		now      time.Time
		wantNext time.Time
		wantDue  bool
	}{
		{"before first occurrence", automation.TriggerConfig{Cron: "0 9 * * *"}, nil, published.Add(30 * time.Minute), last, false},
		{"first occurrence due", automation.TriggerConfig{Cron: "0 9 * * *"}, nil, last, last, true},
		{"already fired today", automation.TriggerConfig{Cron: "0 9 * * *"}, &last, last.Add(time.Hour), last.Add(24 * time.Hour), false},
		{"timezone", automation.TriggerConfig{Cron: "0 9 * * *", Timezone: "America/New_York"}, nil, published.Add(5 * time.Hour),
			time.Date(2024, 6, 3, 13, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := automation.NewWorkflow("t1", "wf", automation.TriggerTimeBased)
			wf.TriggerConfig = tt.cfg
			wf.Publish(published)
			wf.LastTriggeredAt = tt.last

			next, due, err := NextOccurrence(wf, tt.now)
			require.NoError(t, err)
			assert.True(t, tt.wantNext.Equal(next), "next = %s", next)
			assert.Equal(t, tt.wantDue, due)
		})
	}

	wf := automation.NewWorkflow("t1", "wf", automation.TriggerTimeBased)
	wf.TriggerConfig.Cron = "not a cron"
	_, _, err := NextOccurrence(wf, published)
	assert.Error(t, err)
}

func TestScanSchedules_FiresOncePerOccurrence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf := f.timeBasedWorkflow(t, automation.TriggerConfig{Cron: "0 9 * * *", SegmentID: "seg-1"}, t0)
	f.timeBasedWorkflow(t, automation.TriggerConfig{Cron: "0 12 * * *"}, t0)
	s := f.scheduler(nil, nil)

	f.now = t0.Add(30 * time.Minute)
	n, err := s.ScanSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.now = t0.Add(time.Hour)
	n, err = s.ScanSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.workflows.Get(ctx, "t1", wf.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastTriggeredAt)
	assert.True(t, f.now.Equal(*stored.LastTriggeredAt))
	assert.Equal(t, int64(1), stored.TotalRuns)

	expand := f.publisher.BySubject(ports.SubjectSegmentExpand)
	require.Len(t, expand, 1)
	assert.Equal(t, "seg-1", expand[0].Payload["segmentId"])
	assert.NotEmpty(t, expand[0].Payload["runId"])

	f.now = t0.Add(90 * time.Minute)
	n, err = s.ScanSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScanSchedules_RequiresLeadership(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t)
	f.timeBasedWorkflow(t, automation.TriggerConfig{Cron: "0 9 * * *"}, t0)
	f.now = t0.Add(time.Hour)

	leader := f.scheduler(nil, rdb)
	follower := f.scheduler(nil, rdb)

	require.True(t, leader.acquireLeadership(context.Background()))

	n, err := follower.ScanSchedules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = leader.ScanSchedules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAcquireLeadership(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t)
	a := f.scheduler(nil, rdb)
	b := f.scheduler(nil, rdb)
	ctx := context.Background()

	assert.True(t, a.acquireLeadership(ctx))
	assert.False(t, b.acquireLeadership(ctx))

	// Renewal keeps the lock alive past the original TTL
	mr.FastForward(a.config.LeaderLockTTL / 2)
	assert.True(t, a.acquireLeadership(ctx))
	mr.FastForward(a.config.LeaderLockTTL * 3 / 4)
	assert.False(t, b.acquireLeadership(ctx))

	mr.FastForward(a.config.LeaderLockTTL + time.Second)
	assert.True(t, b.acquireLeadership(ctx))

	b.Stop()
	assert.False(t, mr.Exists(LeaderLockKey))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	s := New(Config{PollInterval: 5 * time.Millisecond, CronInterval: 5 * time.Millisecond},
		f.runs, f.workflows, f.engine, f.matcher, f.publisher, nil, logger.NewNop())

	wf := testutil.PublishedWorkflow(t, f.db, "t1", automation.TriggerEventBased,
		automation.TriggerConfig{EventTypes: []string{"x"}}, delayGraph())
	runID := f.waitingRun(t, wf, "c1")

	// The real clock is far past the fixture's delay deadline
	s.Start(context.Background())
	require.Eventually(t, func() bool {
		run, err := f.runs.Get(context.Background(), "t1", runID)
		return err == nil && run.Status == automation.RunCompleted
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()
}
