package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opgroeien/flowd/pkg/auth"
	"github.com/opgroeien/flowd/pkg/cancel"
	"github.com/opgroeien/flowd/pkg/checkpoint"
	"github.com/opgroeien/flowd/pkg/config"
	"github.com/opgroeien/flowd/pkg/emitter"
	"github.com/opgroeien/flowd/pkg/flows/chat"
	"github.com/opgroeien/flowd/pkg/flows/report"
	"github.com/opgroeien/flowd/pkg/gateway"
	"github.com/opgroeien/flowd/pkg/graph"
	"github.com/opgroeien/flowd/pkg/llm"
	"github.com/opgroeien/flowd/pkg/llm/llmtest"
	"github.com/opgroeien/flowd/pkg/models"
	"github.com/opgroeien/flowd/pkg/prompt"
	"github.com/opgroeien/flowd/pkg/threads"
	"github.com/opgroeien/flowd/pkg/tools"
)

const (
	tokenFull     = "an@opgroeien.be"
	tokenChatOnly = "alleenchat@opgroeien.be"
)

const serverAccessMap = `
users:
  an@opgroeien.be:
    account: an
    projects:
      opgroeien:
        poc: [chat, report]
  alleenchat@opgroeien.be:
    account: alleenchat
    projects:
      opgroeien:
        poc: [chat]
`

var apiProcedures = []models.Procedure{
	{ID: "PR-AV-001", Title: "Verlof aanvragen", Content: "Dien het verlofformulier in."},
	{ID: "PR-KO-001", Title: "Erkenning opvanglocatie", Content: "Vraag een erkenning aan."},
	{ID: "RG-017", Title: "Decreet kinderopvang", Content: "Het decreet bepaalt de normen."},
}

// fakeThreads is an in-memory ThreadStore with the registry's upsert
// semantics.
type fakeThreads struct {
	mu    sync.Mutex
	items map[string]*models.Thread
	clock int64
}

func newFakeThreads() *fakeThreads {
	return &fakeThreads{items: make(map[string]*models.Thread)}
}

func (f *fakeThreads) Exists(_ context.Context, threadID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[threadID]
	return ok, nil
}

func (f *fakeThreads) Get(_ context.Context, threadID string) (*models.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.items[threadID]
	if !ok {
		return nil, threads.ErrNotFound
	}
	clone := *thread
	return &clone, nil
}

func (f *fakeThreads) Upsert(_ context.Context, threadID, userID string, title, flow *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock++
	ts := time.Unix(0, f.clock)
	if existing, ok := f.items[threadID]; ok {
		existing.LastAccessedAt = ts
		if existing.Title == nil {
			existing.Title = title
		}
		if existing.Flow == nil {
			existing.Flow = flow
		}
		return nil
	}
	f.items[threadID] = &models.Thread{
		ID: threadID, UserID: userID, Title: title, Flow: flow,
		CreatedAt: ts, LastAccessedAt: ts,
	}
	return nil
}

func (f *fakeThreads) ListForUser(_ context.Context, userID string, flow *string) ([]*models.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Thread
	for _, thread := range f.items {
		if thread.UserID != userID {
			continue
		}
		if flow != nil && (thread.Flow == nil || *thread.Flow != *flow) {
			continue
		}
		clone := *thread
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessedAt.After(out[j].LastAccessedAt) })
	return out, nil
}

type apiEnv struct {
	t        *testing.T
	ts       *httptest.Server
	scripted *llmtest.ScriptedClient
	store    *checkpoint.MemoryStore
	bus      *cancel.Bus
	threads  *fakeThreads
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	access, err := auth.ParseAccessMap([]byte(serverAccessMap))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Execution.MaxParallelWorkers = 1
	cfg.Flows = config.FlowConfig{
		ChatModel:    "agent-model",
		AnalystModel: "analyst-model",
		EditorModel:  "editor-model",
		ConsultModel: "agent-model",
	}
	cfg.Models = map[string]config.ModelConfig{
		"agent-model":   {Provider: "openai", Model: "gpt-test"},
		"analyst-model": {Provider: "openai", Model: "pro-test"},
		"editor-model":  {Provider: "openai", Model: "pro-test"},
	}

	scripted := llmtest.NewScriptedClient()
	router := llm.NewRouter(nil)
	for name := range cfg.Models {
		router.Register(name, llm.ModelSpec{Provider: llm.ProviderOpenAI, Model: "test"}, scripted)
	}

	lib, err := prompt.Load("")
	require.NoError(t, err)

	gw := gateway.New(router, nil, gateway.DefaultConfig(), nil)
	store := checkpoint.NewMemoryStore()
	bus := cancel.NewBus()

	chatCompiled, err := chat.Build(chat.Config{
		Gateway: gw,
		Tools:   tools.NewRegistry(tools.NewProcedureLookup(apiProcedures)),
		Prompts: lib,
		Model:   "agent-model",
	}).Compile(graph.CompileOptions{Store: store, Bus: bus})
	require.NoError(t, err)

	reportCompiled, err := report.Build(report.Config{
		Gateway:      gw,
		Tools:        tools.NewRegistry(),
		Prompts:      lib,
		AnalystModel: "analyst-model",
		EditorModel:  "editor-model",
		Workers:      cfg.Execution.MaxParallelWorkers,
		MaxRetries:   cfg.Execution.AnalystMaxRetries,
	}).Compile(graph.CompileOptions{Store: store, Bus: bus})
	require.NoError(t, err)

	registry := newFakeThreads()
	server := NewServer(Deps{
		Config:  cfg,
		Access:  access,
		Threads: registry,
		Bus:     bus,
		Chat:    chatCompiled,
		Report:  func(string) *graph.Compiled { return reportCompiled },
		Procedures: func(context.Context) ([]models.Procedure, error) {
			return apiProcedures, nil
		},
	})

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &apiEnv{t: t, ts: ts, scripted: scripted, store: store, bus: bus, threads: registry}
}

func (e *apiEnv) do(method, path, token, contentType string, body io.Reader) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	require.NoError(e.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(e.t, err)
	return resp
}

func (e *apiEnv) postJSON(path, token string, payload any) *http.Response {
	e.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(e.t, err)
	return e.do(http.MethodPost, path, token, "application/json", bytes.NewReader(data))
}

func (e *apiEnv) postChat(token string, fields map[string]string) *http.Response {
	e.t.Helper()
	form := url.Values{}
	for k, v := range fields {
		form.Set(k, v)
	}
	return e.do(http.MethodPost, "/chat", token, "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()))
}

// collectSSE reads a stream to completion and decodes every envelope.
func collectSSE(t *testing.T, resp *http.Response) []emitter.Envelope {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	require.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	require.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	var envs []emitter.Envelope
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var env emitter.Envelope
		require.NoError(t, json.Unmarshal([]byte(data), &env))
		envs = append(envs, env)
	}
	require.NoError(t, scanner.Err())
	return envs
}

func payloadOf(env emitter.Envelope) map[string]any {
	m, _ := env.Payload.(map[string]any)
	return m
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}
