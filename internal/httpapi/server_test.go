package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nervelab/baran/internal/circuitbreaker"
	"github.com/nervelab/baran/internal/classify"
	"github.com/nervelab/baran/internal/dispatch"
	"github.com/nervelab/baran/internal/executor"
	"github.com/nervelab/baran/internal/models"
	"github.com/nervelab/baran/internal/registry"
	"github.com/nervelab/baran/internal/routing"
	"github.com/nervelab/baran/internal/streaming"
	"github.com/nervelab/baran/internal/workflow"
)

// echoInvoker answers every dispatch with a canned output. With block set it
// parks until released or the attempt context ends, which lets tests cancel
// a run mid-flight.
type echoInvoker struct {
	mu      sync.Mutex
	calls   []string
	block   bool
	release chan struct{}
}

func newEchoInvoker() *echoInvoker {
	return &echoInvoker{release: make(chan struct{})}
}

func (f *echoInvoker) setBlock(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = v
}

func (f *echoInvoker) Invoke(ctx context.Context, d registry.Descriptor, task models.Task) (dispatch.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, d.Name)
	blocked := f.block
	f.mu.Unlock()

	if blocked {
		select {
		case <-f.release:
		case <-ctx.Done():
			return dispatch.Result{}, &dispatch.BackendTimeout{Backend: d.Name, Err: ctx.Err()}
		}
	}
	return dispatch.Result{Backend: d.Name, Output: "echo:" + task.ID, TokensUsed: 3}, nil
}

type apiFixture struct {
	ts       *httptest.Server
	client   *http.Client
	registry *registry.Registry
	router   *routing.Router
	exec     *executor.Executor
	invoker  *echoInvoker
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	reg := registry.New(logger)
	backends := []registry.Descriptor{
		{
			Name:          "primary",
			Endpoint:      "http://primary:9000",
			Format:        registry.WireREST,
			Performance:   0.9,
			MaxComplexity: models.ComplexityExpert,
			Fallbacks:     []string{"secondary"},
		},
		{
			Name:          "secondary",
			Endpoint:      "http://secondary:9000",
			Format:        registry.WireREST,
			Performance:   0.4,
			MaxComplexity: models.ComplexityExpert,
		},
	}
	for _, d := range backends {
		require.NoError(t, reg.Register(d))
		require.NoError(t, reg.SetHealth(d.Name, registry.HealthOnline, time.Now()))
	}

	router := routing.New(reg, routing.Config{}, logger)
	classifier, err := classify.New(classify.DefaultRules())
	require.NoError(t, err)

	tplReg := workflow.NewRegistry(logger)
	defs := []workflow.Template{
		{Name: "solo", Sequence: []models.TaskType{models.TaskTypeReasoning}},
		{
			Name:     "pair",
			Sequence: []models.TaskType{models.TaskTypeResearch, models.TaskTypeCoding},
			Dependencies: map[models.TaskType][]models.TaskType{
				models.TaskTypeCoding: {models.TaskTypeResearch},
			},
		},
	}
	for i := range defs {
		require.NoError(t, tplReg.Register(&defs[i]))
	}

	inv := newEchoInvoker()
	breakers := circuitbreaker.NewSet(circuitbreaker.DefaultConfig(), logger)

	exec, err := executor.New(executor.Deps{
		Registry:   reg,
		Router:     router,
		Classifier: classifier,
		Builder:    workflow.NewBuilder(tplReg, logger),
		Invoker:    inv,
		Breakers:   breakers,
		Events:     streaming.NewManager(64),
		Logger:     logger,
	}, executor.Config{Workers: 4, MaxRetries: 1, BaseTimeout: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, exec.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = exec.Stop(ctx)
	})

	srv, err := New(Deps{
		Executor:   exec,
		Router:     router,
		Classifier: classifier,
		Registry:   reg,
		Templates:  tplReg,
		Breakers:   breakers,
		Logger:     logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{ts: ts, client: ts.Client(), registry: reg, router: router, exec: exec, invoker: inv}
}

func (f *apiFixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := f.client.Post(f.ts.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := f.client.Get(f.ts.URL + path)
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+path, nil)
	require.NoError(t, err)
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	decodeJSON(t, resp, &body)
	return body["error"]
}

// waitStatus polls the status endpoint until the run reaches want.
func (f *apiFixture) waitStatus(t *testing.T, id string, want executor.RunStatus) executor.RunSnapshot {
	t.Helper()
	var snap executor.RunSnapshot
	require.Eventually(t, func() bool {
		resp, err := f.client.Get(f.ts.URL + "/api/v1/workflows/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return false
		}
		return snap.Status == want
	}, 3*time.Second, 10*time.Millisecond, "run %s never reached %s", id, want)
	return snap
}

func TestClassifyEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/classify", map[string]string{"prompt": "Debug this golang function"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res classify.Result
	decodeJSON(t, resp, &res)
	assert.Equal(t, models.TaskTypeCoding, res.TaskType)
	assert.Equal(t, models.ComplexitySimple, res.Complexity)
	assert.False(t, res.Defaulted)
}

func TestClassifyRequiresPrompt(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/classify", map[string]string{"prompt": "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorMessage(t, resp), "prompt is required")
}

func TestRouteWithExplicitComplexity(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/route", map[string]any{"task_type": "general", "complexity": "moderate"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dec routing.Decision
	decodeJSON(t, resp, &dec)
	assert.Equal(t, "primary", dec.Backend)
	assert.Equal(t, []string{"secondary"}, dec.Fallbacks)
	assert.False(t, dec.FellBack)
}

func TestRouteClassifiesPromptWhenComplexityOmitted(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/route", map[string]any{"prompt": "Debug this golang function"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dec routing.Decision
	decodeJSON(t, resp, &dec)
	assert.Equal(t, "primary", dec.Backend)
}

func TestRouteRejectsBadInput(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name string
		body map[string]any
		want string
	}{
		{"neither complexity nor prompt", map[string]any{"task_type": "general"}, "either complexity or prompt"},
		{"unknown complexity", map[string]any{"task_type": "general", "complexity": "galactic"}, "unknown complexity level"},
		{"unknown task type", map[string]any{"task_type": "sorcery", "complexity": "simple"}, "unknown task type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.post(t, "/api/v1/route", tc.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, errorMessage(t, resp), tc.want)
		})
	}
}

func TestRouteWhenFleetOffline(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.registry.SetHealth("primary", registry.HealthOffline, time.Now()))
	require.NoError(t, f.registry.SetHealth("secondary", registry.HealthOffline, time.Now()))

	resp := f.post(t, "/api/v1/route", map[string]any{"task_type": "general", "complexity": "simple"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/workflows", map[string]any{"template": "pair", "prompt": "Research the topic then implement it"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	loc := resp.Header.Get("Location")

	var snap executor.RunSnapshot
	decodeJSON(t, resp, &snap)
	require.NotEmpty(t, snap.ID)
	assert.Equal(t, "/api/v1/workflows/"+snap.ID, loc)
	assert.Equal(t, "pair", snap.Template)
	assert.Equal(t, executor.RunStatusRunning, snap.Status)
	require.Len(t, snap.Tasks, 2)

	final := f.waitStatus(t, snap.ID, executor.RunStatusCompleted)
	require.Len(t, final.Results, 2)
	for _, res := range final.Results {
		assert.Equal(t, models.TaskStateDone, res.State)
		assert.Equal(t, "primary", res.Backend)
	}
	assert.Empty(t, final.FailedTasks)

	// Finished runs reject cancellation.
	del := f.delete(t, "/api/v1/workflows/"+snap.ID)
	assert.Equal(t, http.StatusConflict, del.StatusCode)
	del.Body.Close()
}

func TestSubmitValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/workflows", map[string]any{"template": "nope", "prompt": "hello"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorMessage(t, resp), "unknown workflow template")

	resp = f.post(t, "/api/v1/workflows", map[string]any{"template": "solo"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorMessage(t, resp), "prompt is required")
}

func TestCancelRunningWorkflow(t *testing.T) {
	f := newAPIFixture(t)
	f.invoker.setBlock(true)

	resp := f.post(t, "/api/v1/workflows", map[string]any{"template": "solo", "prompt": "think about it"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var snap executor.RunSnapshot
	decodeJSON(t, resp, &snap)

	del := f.delete(t, "/api/v1/workflows/"+snap.ID)
	require.Equal(t, http.StatusAccepted, del.StatusCode)
	var body map[string]string
	decodeJSON(t, del, &body)
	assert.Equal(t, "canceling", body["status"])

	f.waitStatus(t, snap.ID, executor.RunStatusCanceled)
}

func TestCancelUnknownRun(t *testing.T) {
	f := newAPIFixture(t)

	del := f.delete(t, "/api/v1/workflows/ghost")
	assert.Equal(t, http.StatusNotFound, del.StatusCode)
	del.Body.Close()

	status := f.get(t, "/api/v1/workflows/ghost")
	assert.Equal(t, http.StatusNotFound, status.StatusCode)
	status.Body.Close()
}

func TestFeedbackFeedsAnalytics(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/feedback", map[string]any{"backend": "primary", "latency_ms": 120, "success": true})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	got := f.get(t, "/api/v1/analytics")
	require.Equal(t, http.StatusOK, got.StatusCode)
	var an routing.Analytics
	decodeJSON(t, got, &an)
	assert.Equal(t, 2, an.RegistrySize)

	byName := make(map[string]routing.BackendAnalytics, len(an.Backends))
	for _, b := range an.Backends {
		byName[b.Backend] = b
	}
	require.Contains(t, byName, "primary")
	assert.Equal(t, 1, byName["primary"].WindowSamples)
	assert.Equal(t, 1.0, byName["primary"].SuccessRate)
}

func TestFeedbackValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/feedback", map[string]any{"backend": "ghost", "latency_ms": 10, "success": true})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, errorMessage(t, resp), "unknown backend")

	resp = f.post(t, "/api/v1/feedback", map[string]any{"backend": "primary", "latency_ms": -5, "success": true})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestBackendsListingIncludesBreakerState(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get(t, "/api/v1/backends")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Backends []backendView `json:"backends"`
	}
	decodeJSON(t, resp, &body)
	require.Len(t, body.Backends, 2)

	byName := make(map[string]backendView, len(body.Backends))
	for _, b := range body.Backends {
		byName[b.Name] = b
	}
	primary := byName["primary"]
	assert.Equal(t, "online", primary.Health)
	assert.Equal(t, "closed", primary.Breaker)
	assert.Equal(t, "expert", primary.MaxComplexity)
	assert.Equal(t, []string{"secondary"}, primary.Fallbacks)
}

func TestTemplatesListing(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get(t, "/api/v1/templates")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Templates []workflow.Summary `json:"templates"`
	}
	decodeJSON(t, resp, &body)
	names := make([]string, 0, len(body.Templates))
	for _, s := range body.Templates {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"solo", "pair"}, names)
}

func TestRecentRunsWithoutArchive(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get(t, "/api/v1/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Runs []json.RawMessage `json:"runs"`
	}
	decodeJSON(t, resp, &body)
	assert.Empty(t, body.Runs)

	bad := f.get(t, "/api/v1/runs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	bad.Body.Close()
}

func TestHealthAndReadinessProbes(t *testing.T) {
	f := newAPIFixture(t)

	live := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, live.StatusCode)
	live.Body.Close()

	ready := f.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, ready.StatusCode)
	ready.Body.Close()

	require.NoError(t, f.registry.SetHealth("primary", registry.HealthOffline, time.Now()))
	require.NoError(t, f.registry.SetHealth("secondary", registry.HealthOffline, time.Now()))

	down := f.get(t, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, down.StatusCode)
	var body map[string]any
	decodeJSON(t, down, &body)
	assert.Equal(t, "unavailable", body["status"])
}

func TestMetricsEndpointServes(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "baran_")
}

func TestNewRejectsMissingDeps(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor is required")
}

// sseEventTypes reads SSE lines until stop shows up or the body ends,
// returning every event type seen.
func sseEventTypes(t *testing.T, body io.Reader, stop string) []string {
	t.Helper()
	var types []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "event: ") {
			continue
		}
		typ := strings.TrimPrefix(line, "event: ")
		types = append(types, typ)
		if typ == stop {
			break
		}
	}
	return types
}

func TestSSEReplaysFinishedRun(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/workflows", map[string]any{"template": "solo", "prompt": "quick thought"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var snap executor.RunSnapshot
	decodeJSON(t, resp, &snap)
	f.waitStatus(t, snap.ID, executor.RunStatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/api/v1/workflows/"+snap.ID+"/events", nil)
	require.NoError(t, err)
	stream, err := f.client.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	types := sseEventTypes(t, stream.Body, string(streaming.EventWorkflowCompleted))
	require.NotEmpty(t, types)
	assert.Equal(t, string(streaming.EventWorkflowStarted), types[0])
	assert.Contains(t, types, string(streaming.EventTaskCompleted))
	assert.Equal(t, string(streaming.EventWorkflowCompleted), types[len(types)-1])
}

func TestSSEFiltersEventTypes(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/workflows", map[string]any{"template": "solo", "prompt": "quick thought"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var snap executor.RunSnapshot
	decodeJSON(t, resp, &snap)
	f.waitStatus(t, snap.ID, executor.RunStatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := f.ts.URL + "/api/v1/workflows/" + snap.ID + "/events?types=WORKFLOW_COMPLETED"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	stream, err := f.client.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()

	types := sseEventTypes(t, stream.Body, string(streaming.EventWorkflowCompleted))
	assert.Equal(t, []string{string(streaming.EventWorkflowCompleted)}, types)
}

func TestSSEUnknownRun(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get(t, "/api/v1/workflows/ghost/events")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestWebsocketStreamsWorkflowEvents(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/workflows", map[string]any{"template": "solo", "prompt": "quick thought"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var snap executor.RunSnapshot
	decodeJSON(t, resp, &snap)
	f.waitStatus(t, snap.ID, executor.RunStatusCompleted)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/workflows/" + snap.ID + "/ws"
	conn, dialResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if dialResp != nil && dialResp.Body != nil {
		dialResp.Body.Close()
	}
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var seen []streaming.EventType
	var firstSeq uint64
	for {
		var evt streaming.Event
		require.NoError(t, conn.ReadJSON(&evt))
		if firstSeq == 0 {
			firstSeq = evt.Seq
		}
		seen = append(seen, evt.Type)
		if evt.Type == streaming.EventWorkflowCompleted {
			break
		}
	}
	assert.Equal(t, uint64(1), firstSeq)
	assert.Equal(t, streaming.EventWorkflowStarted, seen[0])
	assert.Contains(t, seen, streaming.EventTaskStarted)
}
