package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachflow-go/internal/automation/adapters/db/repository"
	"github.com/reachflow-go/internal/automation/app/condition"
	"github.com/reachflow-go/internal/automation/app/engine"
	"github.com/reachflow-go/internal/automation/app/nodes"
	"github.com/reachflow-go/internal/automation/app/service"
	"github.com/reachflow-go/internal/automation/app/trigger"
	"github.com/reachflow-go/internal/automation/app/validator"
	"github.com/reachflow-go/internal/automation/testutil"
	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/cache"
	"github.com/reachflow-go/pkg/logger"
	"github.com/reachflow-go/pkg/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	router    *gin.Engine
	publisher *testutil.RecordingPublisher
}

func newTestAPI(t *testing.T, limiter gin.HandlerFunc) *testAPI {
	t.Helper()

	db := testutil.NewDB(t)
	log := logger.NewNop()
	publisher := &testutil.RecordingPublisher{}

	workflows := repository.NewWorkflowRepository(db)
	runs := repository.NewRunRepository(db)
	nodeRuns := repository.NewNodeRunRepository(db)
	evaluator := condition.NewEvaluator(log)
	eng := engine.New(workflows, runs, nodeRuns, nodes.NewExecutor(evaluator, publisher, log), publisher, log)

	svc := service.NewWorkflowService(workflows, runs, nodeRuns, validator.New(), publisher, cache.NopCache{}, log)
	matcher := trigger.NewMatcher(workflows, runs, eng, evaluator, publisher, log)

	router := gin.New()
	Register(router, NewAutomationHandlers(svc, matcher, log), limiter)
	return &testAPI{router: router, publisher: publisher}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, tenantID string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(TenantHeader, tenantID)
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func linearWorkflowBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":          name,
		"triggerType":   "event_based",
		"triggerConfig": map[string]interface{}{"eventTypes": []string{"contact.created"}},
		"graph":         testutil.LinearGraph(),
	}
}

func (a *testAPI) createPublished(t *testing.T, name string) string {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/v1/automation/workflows", linearWorkflowBody(name), "t1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["id"].(string)

	w = a.do(t, http.MethodPost, "/api/v1/automation/workflows/"+id+"/publish", nil, "t1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return id
}

func TestRequireTenant(t *testing.T) {
	api := newTestAPI(t, nil)
	w := api.do(t, http.MethodGet, "/api/v1/automation/workflows", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkflowCRUD(t *testing.T) {
	api := newTestAPI(t, nil)

	w := api.do(t, http.MethodPost, "/api/v1/automation/workflows", linearWorkflowBody("Welcome"), "t1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	id := created["id"].(string)
	assert.Equal(t, false, created["isPublished"])

	w = api.do(t, http.MethodPost, "/api/v1/automation/workflows", linearWorkflowBody("Welcome"), "t1")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/automation/workflows", map[string]interface{}{"name": "x"}, "t1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/automation/workflows/"+id, nil, "t1")
	assert.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/automation/workflows/"+id, nil, "t2")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodPut, "/api/v1/automation/workflows/"+id, map[string]interface{}{"description": "hello"}, "t1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", decode(t, w)["description"])

	w = api.do(t, http.MethodGet, "/api/v1/automation/workflows?published=false", nil, "t1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = api.do(t, http.MethodGet, "/api/v1/automation/workflows?published=maybe", nil, "t1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodDelete, "/api/v1/automation/workflows/"+id, nil, "t1")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/automation/workflows/"+id, nil, "t1")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPublishAndValidate(t *testing.T) {
	api := newTestAPI(t, nil)

	body := linearWorkflowBody("Broken")
	body["graph"] = map[string]interface{}{
		"nodes": []map[string]interface{}{{"id": "end", "type": "END"}},
		"edges": []map[string]interface{}{},
	}
	w := api.do(t, http.MethodPost, "/api/v1/automation/workflows", body, "t1")
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["id"].(string)

	w = api.do(t, http.MethodPost, "/api/v1/automation/workflows/"+id+"/validate", nil, "t1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["isValid"])

	w = api.do(t, http.MethodPost, "/api/v1/automation/workflows/"+id+"/publish", nil, "t1")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	out := decode(t, w)
	validation := out["validation"].(map[string]interface{})
	assert.NotEmpty(t, validation["errors"])

	id = api.createPublished(t, "Good")
	w = api.do(t, http.MethodPut, "/api/v1/automation/workflows/"+id,
		map[string]interface{}{"graph": testutil.LinearGraph()}, "t1")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodPut, "/api/v1/automation/workflows/"+id,
		map[string]interface{}{"triggerType": "time_based"}, "t1")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.NotEmpty(t, decode(t, w)["validation"].(map[string]interface{})["errors"])

	w = api.do(t, http.MethodPost, "/api/v1/automation/workflows/"+id+"/unpublish", nil, "t1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["isPublished"])
}

func TestTriggerAndInspectRun(t *testing.T) {
	api := newTestAPI(t, nil)
	id := api.createPublished(t, "Welcome")

	w := api.do(t, http.MethodPost, "/api/v1/automation/workflows/"+id+"/trigger",
		map[string]interface{}{"contactId": "c1", "context": map[string]interface{}{"plan": "pro"}}, "t1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode(t, w)
	assert.Equal(t, true, result["triggered"])
	assert.Equal(t, "completed", result["status"])
	runID := result["runId"].(string)

	w = api.do(t, http.MethodGet, "/api/v1/automation/runs/"+runID, nil, "t1")
	require.Equal(t, http.StatusOK, w.Code)
	run := decode(t, w)
	assert.Equal(t, "completed", run["status"])

	w = api.do(t, http.MethodGet, "/api/v1/automation/runs/"+runID+"/nodes", nil, "t1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["nodes"], 2)

	w = api.do(t, http.MethodGet, "/api/v1/automation/runs?workflowId="+id, nil, "t1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = api.do(t, http.MethodPost, "/api/v1/automation/runs/"+runID+"/cancel", nil, "t1")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/automation/runs/missing", nil, "t1")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggerRejectsActiveRun(t *testing.T) {
	api := newTestAPI(t, nil)

	body := linearWorkflowBody("Drip")
	body["graph"] = automation.Graph{
		Nodes: []automation.Node{
			automation.NewNode("start", automation.StartConfig{}),
			automation.NewNode("wait", automation.DelayConfig{Duration: 1, Unit: automation.UnitDays}),
			automation.NewNode("end", automation.EndConfig{}),
		},
		Edges: []automation.Edge{
			{ID: "e1", Source: "start", Target: "wait"},
			{ID: "e2", Source: "wait", Target: "end"},
		},
	}
	w := api.do(t, http.MethodPost, "/api/v1/automation/workflows", body, "t1")
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["id"].(string)
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/automation/workflows/"+id+"/publish", nil, "t1").Code)

	manual := map[string]interface{}{"contactId": "c1"}
	w = api.do(t, http.MethodPost, "/api/v1/automation/workflows/"+id+"/trigger", manual, "t1")
	require.Equal(t, http.StatusOK, w.Code)
	first := decode(t, w)
	assert.Equal(t, "waiting", first["status"])

	w = api.do(t, http.MethodPost, "/api/v1/automation/workflows/"+id+"/trigger", manual, "t1")
	require.Equal(t, http.StatusConflict, w.Code)
	second := decode(t, w)
	assert.Equal(t, false, second["triggered"])
	assert.NotEmpty(t, second["reason"])

	w = api.do(t, http.MethodPost, "/api/v1/automation/runs/"+first["runId"].(string)+"/cancel", nil, "t1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decode(t, w)["status"])

	w = api.do(t, http.MethodPost, "/api/v1/automation/workflows/"+id+"/trigger", manual, "t1")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTriggerUnpublished(t *testing.T) {
	api := newTestAPI(t, nil)

	w := api.do(t, http.MethodPost, "/api/v1/automation/workflows", linearWorkflowBody("Draft"), "t1")
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["id"].(string)

	w = api.do(t, http.MethodPost, "/api/v1/automation/workflows/"+id+"/trigger", nil, "t1")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/automation/workflows/missing/trigger", nil, "t1")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSignals(t *testing.T) {
	api := newTestAPI(t, nil)
	api.createPublished(t, "OnCreate")

	w := api.do(t, http.MethodPost, "/api/v1/automation/signals/events",
		map[string]interface{}{"type": "contact.created", "contactId": "c1", "payload": map[string]interface{}{"source": "form"}}, "t1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	results := decode(t, w)["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, true, results[0].(map[string]interface{})["triggered"])

	w = api.do(t, http.MethodPost, "/api/v1/automation/signals/events",
		map[string]interface{}{"type": "contact.deleted"}, "t1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["results"])

	w = api.do(t, http.MethodPost, "/api/v1/automation/signals/events", map[string]interface{}{}, "t1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/automation/signals/messages",
		map[string]interface{}{"contactId": "c1", "channel": "sms", "content": "hi"}, "t1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["results"])

	w = api.do(t, http.MethodPost, "/api/v1/automation/signals/messages",
		map[string]interface{}{"content": "hi"}, "t1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerRateLimit(t *testing.T) {
	limiter := ratelimit.Middleware(ratelimit.NewKeyedTokenBucketLimiter(1, 1), ratelimit.TenantKeyFunc)
	api := newTestAPI(t, limiter)

	body := map[string]interface{}{"type": "noop"}
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/automation/signals/events", body, "t1").Code)
	assert.Equal(t, http.StatusTooManyRequests, api.do(t, http.MethodPost, "/api/v1/automation/signals/events", body, "t1").Code)
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/automation/signals/events", body, "t2").Code)
}
