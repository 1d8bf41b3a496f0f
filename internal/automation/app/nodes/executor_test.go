package nodes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reachflow-go/internal/automation/app/condition"
	"github.com/reachflow-go/internal/automation/ports"
	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/logger"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, payload map[string]interface{}, opts ports.PublishOptions) error {
	args := m.Called(ctx, subject, payload, opts)
	return args.Error(0)
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newExecutor(pub ports.EventPublisher) *Executor {
	log := logger.NewNop()
	return NewExecutor(condition.NewEvaluator(log), pub, log).WithClock(func() time.Time { return fixedNow })
}

func testRun(contactID string) *automation.WorkflowRun {
	return &automation.WorkflowRun{
		ID:            "run-1",
		TenantID:      "tenant-1",
		WorkflowID:    "wf-1",
		ContactID:     contactID,
		CorrelationID: "corr-1",
		Status:        automation.RunRunning,
		Context: automation.RunContext{
			Variables: map[string]interface{}{"score": float64(80), "firstName": "Ada"},
		},
	}
}

func TestExecute_SendMessageEmitsIntent(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, ports.SubjectSendMessage, mock.MatchedBy(func(p map[string]interface{}) bool {
		vars := p["variables"].(map[string]interface{})
		return p["contactId"] == "c1" && p["channel"] == "sms" && p["templateId"] == "tpl" &&
			p["workflowId"] == "wf-1" && vars["firstName"] == "Ada" && vars["promo"] == "SPRING"
	}), ports.PublishOptions{TenantID: "tenant-1", CorrelationID: "corr-1", AggregateID: "run-1"}).Return(nil).Once()

	node := automation.NewNode("send", automation.SendMessageConfig{
		Channel: "sms", TemplateID: "tpl", Variables: map[string]interface{}{"promo": "SPRING"},
	})
	graph := &automation.Graph{Nodes: []automation.Node{node}}

	result := newExecutor(pub).Execute(context.Background(), &node, testRun("c1"), graph)

	assert.True(t, result.Success)
	assert.Equal(t, true, result.Output["intentQueued"])
	pub.AssertExpectations(t)
}

func TestExecute_SendMessageRequiresContact(t *testing.T) {
	pub := new(MockPublisher)
	node := automation.NewNode("send", automation.SendMessageConfig{Channel: "sms", TemplateID: "tpl"})

	result := newExecutor(pub).Execute(context.Background(), &node, testRun(""), &automation.Graph{})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Contact ID is required")
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExecute_SendMessageRequiresChannelAndTemplate(t *testing.T) {
	node := automation.NewNode("send", automation.SendMessageConfig{Channel: "sms"})

	result := newExecutor(new(MockPublisher)).Execute(context.Background(), &node, testRun("c1"), &automation.Graph{})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "requires a channel and a template")
}

func TestExecute_PublishFailureDoesNotFailNode(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, ports.SubjectSendMessage, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	node := automation.NewNode("send", automation.SendMessageConfig{Channel: "sms", TemplateID: "tpl"})
	result := newExecutor(pub).Execute(context.Background(), &node, testRun("c1"), &automation.Graph{})

	assert.True(t, result.Success)
	assert.Equal(t, false, result.Output["intentQueued"])
}

func conditionGraph(withDefaultEdge bool) *automation.Graph {
	g := &automation.Graph{
		Nodes: []automation.Node{
			automation.NewNode("cond", automation.ConditionConfig{Conditions: []automation.ConditionRule{
				{Field: "variables.score", Operator: condition.OpGreaterThan, Value: 50, NextNodeID: "A"},
			}}),
			automation.NewNode("A", automation.EndConfig{}),
			automation.NewNode("B", automation.EndConfig{}),
		},
		Edges: []automation.Edge{
			{ID: "e1", Source: "cond", Target: "A", Label: "high"},
		},
	}
	if withDefaultEdge {
		g.Edges = append(g.Edges, automation.Edge{ID: "e2", Source: "cond", Target: "B"})
	}
	return g
}

func TestExecute_ConditionBranching(t *testing.T) {
	exec := newExecutor(new(MockPublisher))
	ctx := context.Background()

	g := conditionGraph(true)
	run := testRun("c1")
	result := exec.Execute(ctx, &g.Nodes[0], run, g)
	require.True(t, result.Success)
	assert.Equal(t, "A", result.NextNodeID)
	assert.Equal(t, BranchCondition, result.Output["branch"])

	run.Context.Variables["score"] = float64(10)
	result = exec.Execute(ctx, &g.Nodes[0], run, g)
	require.True(t, result.Success)
	assert.Equal(t, "B", result.NextNodeID)
	assert.Equal(t, BranchEdge, result.Output["branch"])

	g = conditionGraph(false)
	result = exec.Execute(ctx, &g.Nodes[0], run, g)
	require.True(t, result.Success)
	assert.Empty(t, result.NextNodeID)
	assert.Equal(t, BranchNone, result.Output["branch"])
}

func TestExecute_ConditionDefaultBranch(t *testing.T) {
	node := automation.NewNode("cond", automation.ConditionConfig{
		Conditions: []automation.ConditionRule{
			{Field: "contactId", Operator: condition.OpEquals, Value: "someone-else", NextNodeID: "A"},
		},
		DefaultNextNodeID: "fallback",
	})
	g := &automation.Graph{Nodes: []automation.Node{node}}

	result := newExecutor(new(MockPublisher)).Execute(context.Background(), &node, testRun("c1"), g)
	assert.True(t, result.Success)
	assert.Equal(t, "fallback", result.NextNodeID)
	assert.Equal(t, BranchDefault, result.Output["branch"])
}

func TestExecute_DelayComputesWaitUntil(t *testing.T) {
	tests := []struct {
		cfg  automation.DelayConfig
		want time.Duration
	}{
		{automation.DelayConfig{Duration: 2, Unit: automation.UnitHours}, 7_200_000 * time.Millisecond},
		{automation.DelayConfig{Duration: 15, Unit: automation.UnitMinutes}, 15 * 60_000 * time.Millisecond},
		{automation.DelayConfig{Duration: 1.5, Unit: automation.UnitDays}, 129_600_000 * time.Millisecond},
	}

	for _, tt := range tests {
		node := automation.NewNode("wait", tt.cfg)
		result := newExecutor(new(MockPublisher)).Execute(context.Background(), &node, testRun(""), &automation.Graph{})

		require.True(t, result.Success)
		require.True(t, result.Suspends())
		assert.Equal(t, fixedNow.Add(tt.want), *result.Metadata.WaitUntil)
	}
}

func TestExecute_DelayInvalidUnit(t *testing.T) {
	node := automation.NewNode("wait", automation.DelayConfig{Duration: 1, Unit: "weeks"})
	result := newExecutor(new(MockPublisher)).Execute(context.Background(), &node, testRun(""), &automation.Graph{})

	assert.False(t, result.Success)
	assert.False(t, result.Suspends())
}

func TestExecute_UpdateAttribute(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, ports.SubjectUpdateAttribute, mock.MatchedBy(func(p map[string]interface{}) bool {
		return p["attributeName"] == "tier" && p["attributeValue"] == nil
	}), mock.Anything).Return(nil).Once()

	node := automation.NewNode("attr", automation.UpdateAttributeConfig{AttributeName: "tier", HasValue: true})
	result := newExecutor(pub).Execute(context.Background(), &node, testRun("c1"), &automation.Graph{})

	assert.True(t, result.Success)
	assert.Equal(t, true, result.Output["pendingIntent"])
	pub.AssertExpectations(t)

	missing := automation.NewNode("attr", automation.UpdateAttributeConfig{AttributeName: "tier"})
	result = newExecutor(pub).Execute(context.Background(), &missing, testRun("c1"), &automation.Graph{})
	assert.False(t, result.Success)
}

func TestExecute_AssignAgent(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, ports.SubjectAssignAgent, mock.MatchedBy(func(p map[string]interface{}) bool {
		return p["teamId"] == "support" && p["strategy"] == automation.StrategyRoundRobin
	}), mock.Anything).Return(nil).Once()

	node := automation.NewNode("assign", automation.AssignAgentConfig{TeamID: "support"})
	result := newExecutor(pub).Execute(context.Background(), &node, testRun("c1"), &automation.Graph{})
	assert.True(t, result.Success)
	pub.AssertExpectations(t)

	result = newExecutor(pub).Execute(context.Background(), &node, testRun(""), &automation.Graph{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Contact ID is required")
}

func TestExecute_StartAndEnd(t *testing.T) {
	g := &automation.Graph{
		Nodes: []automation.Node{
			automation.NewNode("s", automation.StartConfig{}),
			automation.NewNode("e", automation.EndConfig{}),
		},
		Edges: []automation.Edge{{ID: "e1", Source: "s", Target: "e"}},
	}
	exec := newExecutor(new(MockPublisher))

	start := exec.Execute(context.Background(), &g.Nodes[0], testRun(""), g)
	assert.True(t, start.Success)
	assert.Equal(t, "e", start.NextNodeID)

	end := exec.Execute(context.Background(), &g.Nodes[1], testRun(""), g)
	assert.True(t, end.Success)
	assert.Empty(t, end.NextNodeID)
}

func TestExecute_UnknownNodeType(t *testing.T) {
	node := automation.Node{ID: "hook", Type: "WEBHOOK"}
	result := newExecutor(new(MockPublisher)).Execute(context.Background(), &node, testRun("c1"), &automation.Graph{})

	assert.False(t, result.Success)
	assert.Equal(t, "Unknown node type: WEBHOOK", result.Error)
}

func TestExecute_RecoversPanics(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		panic("boom")
	})

	node := automation.NewNode("send", automation.SendMessageConfig{Channel: "sms", TemplateID: "tpl"})
	result := newExecutor(pub).Execute(context.Background(), &node, testRun("c1"), &automation.Graph{})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "panicked")
}
