// Package testutil holds fixtures shared by the automation test suites.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/reachflow-go/internal/automation/ports"
	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/database"
)

// NewDB opens a private in-memory SQLite database with the automation schema.
func NewDB(t *testing.T) *database.DB {
	t.Helper()

	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, gormDB.AutoMigrate(
		&automation.Workflow{},
		&automation.WorkflowRun{},
		&automation.WorkflowNodeRun{},
	))

	return &database.DB{DB: gormDB}
}

type PublishedEvent struct {
	Subject string
	Payload map[string]interface{}
	Options ports.PublishOptions
}

// RecordingPublisher keeps every published event in memory. Err, when set,
// is returned from every Publish call after recording.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent
	Err    error
}

func (p *RecordingPublisher) Publish(_ context.Context, subject string, payload map[string]interface{}, opts ports.PublishOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PublishedEvent{Subject: subject, Payload: payload, Options: opts})
	return p.Err
}

func (p *RecordingPublisher) Events() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedEvent, len(p.events))
	copy(out, p.events)
	return out
}

// BySubject returns the events published under subject, in order.
func (p *RecordingPublisher) BySubject(subject string) []PublishedEvent {
	var out []PublishedEvent
	for _, e := range p.Events() {
		if e.Subject == subject {
			out = append(out, e)
		}
	}
	return out
}

func (p *RecordingPublisher) Subjects() []string {
	events := p.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Subject
	}
	return out
}

// LinearGraph builds START -> SEND_MESSAGE -> END.
func LinearGraph() automation.Graph {
	return automation.Graph{
		Nodes: []automation.Node{
			automation.NewNode("start", automation.StartConfig{}),
			automation.NewNode("send", automation.SendMessageConfig{Channel: "whatsapp", TemplateID: "welcome"}),
			automation.NewNode("end", automation.EndConfig{}),
		},
		Edges: []automation.Edge{
			{ID: "e1", Source: "start", Target: "send"},
			{ID: "e2", Source: "send", Target: "end"},
		},
	}
}

// PublishedWorkflow persists a published workflow with the given graph.
func PublishedWorkflow(t *testing.T, db *database.DB, tenantID string, triggerType automation.TriggerType, cfg automation.TriggerConfig, graph automation.Graph) *automation.Workflow {
	t.Helper()

	wf := automation.NewWorkflow(tenantID, "wf-"+uuid.New().String()[:8], triggerType)
	wf.TriggerConfig = cfg
	wf.Graph = graph
	wf.Publish(wf.CreatedAt)
	require.NoError(t, db.Create(wf).Error)
	return wf
}
