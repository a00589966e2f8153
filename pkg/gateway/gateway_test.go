package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opgroeien/flowd/pkg/llm"
	"github.com/opgroeien/flowd/pkg/llm/llmtest"
	"github.com/opgroeien/flowd/pkg/models"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.StrictInterval = time.Millisecond
	return cfg
}

func newTestGateway(t *testing.T, scripted *llmtest.ScriptedClient, spec llm.ModelSpec) *Gateway {
	t.Helper()
	router := llm.NewRouter(nil)
	router.Register("test-model", spec, scripted)
	return New(router, nil, testConfig(), nil)
}

func invokeReq() *Request {
	return &Request{
		Model:    "test-model",
		Messages: []models.Message{models.NewHumanMessage("hello")},
		Context:  CallContext{ThreadID: "thread-1", NodeName: "agent"},
	}
}

func TestInvokeLLMSuccess(t *testing.T) {
	scripted := llmtest.NewScriptedClient()
	scripted.AddSequential(llmtest.ScriptEntry{Text: "hi there"})
	gw := newTestGateway(t, scripted, llm.ModelSpec{Model: "backend-model"})

	resp, usage, err := gw.InvokeLLM(context.Background(), invokeReq())
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Text)
	assert.Greater(t, usage.TotalTokens, 0)
}

func TestInvokeLLMRetriesTransientFailures(t *testing.T) {
	scripted := llmtest.NewScriptedClient()
	scripted.AddSequential(llmtest.ScriptEntry{Error: llm.ErrRateLimited})
	scripted.AddSequential(llmtest.ScriptEntry{Error: llm.ErrUnavailable})
	scripted.AddSequential(llmtest.ScriptEntry{Text: "recovered"})
	gw := newTestGateway(t, scripted, llm.ModelSpec{Model: "backend-model"})

	resp, _, err := gw.InvokeLLM(context.Background(), invokeReq())
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Len(t, scripted.Captured(), 3)
}

func TestInvokeLLMExhaustsRetries(t *testing.T) {
	scripted := llmtest.NewScriptedClient()
	for i := 0; i < 3; i++ {
		scripted.AddSequential(llmtest.ScriptEntry{Error: llm.ErrRateLimited})
	}
	gw := newTestGateway(t, scripted, llm.ModelSpec{Model: "backend-model"})

	_, _, err := gw.InvokeLLM(context.Background(), invokeReq())
	require.Error(t, err)
	assert.Equal(t, FailureRateLimit, Kind(err))
	assert.Len(t, scripted.Captured(), 3)
}

func TestInvokeLLMDoesNotRetryInvalidInput(t *testing.T) {
	scripted := llmtest.NewScriptedClient()
	scripted.AddSequential(llmtest.ScriptEntry{Error: llm.ErrInvalidInput})
	gw := newTestGateway(t, scripted, llm.ModelSpec{Model: "backend-model"})

	_, _, err := gw.InvokeLLM(context.Background(), invokeReq())
	require.Error(t, err)
	assert.Equal(t, FailureInvalid, Kind(err))
	assert.Len(t, scripted.Captured(), 1)
}

func TestInvokeLLMUnknownModel(t *testing.T) {
	gw := New(llm.NewRouter(nil), nil, testConfig(), nil)

	req := invokeReq()
	req.Model = "nope"
	_, _, err := gw.InvokeLLM(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, FailureInvalid, Kind(err))
}

func TestInvokeLLMCancellation(t *testing.T) {
	scripted := llmtest.NewScriptedClient()
	scripted.AddSequential(llmtest.ScriptEntry{BlockUntilCancelled: true})
	gw := newTestGateway(t, scripted, llm.ModelSpec{Model: "backend-model"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := gw.InvokeLLM(ctx, invokeReq())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, FailureCancelled, Kind(err))
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not propagate")
	}
	// No retry after cancellation.
	assert.Len(t, scripted.Captured(), 1)
}

func TestInvokeLLMObserverSeesChunks(t *testing.T) {
	scripted := llmtest.NewScriptedClient()
	scripted.AddSequential(llmtest.ScriptEntry{Text: "a b c"})
	gw := newTestGateway(t, scripted, llm.ModelSpec{Model: "backend-model"})

	var deltas []string
	req := invokeReq()
	req.Observer = func(chunk llm.Chunk) {
		if text, ok := chunk.(llm.TextChunk); ok {
			deltas = append(deltas, text.Content)
		}
	}

	resp, _, err := gw.InvokeLLM(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "a b c", resp.Text)
	assert.Len(t, deltas, 3)
}

func TestSemaphoreSerializesPool(t *testing.T) {
	gw := New(llm.NewRouter(nil), nil, Config{Pools: map[string]int{"analyst": 1}}, nil)

	release1, err := gw.acquire(context.Background(), "analyst")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = gw.acquire(ctx, "analyst")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release1()
	release2, err := gw.acquire(context.Background(), "analyst")
	require.NoError(t, err)
	release2()
}

func TestUnlimitedPoolNeverBlocks(t *testing.T) {
	gw := New(llm.NewRouter(nil), nil, Config{Pools: map[string]int{"agent": 0}}, nil)
	for i := 0; i < 10; i++ {
		release, err := gw.acquire(context.Background(), "agent")
		require.NoError(t, err)
		release()
	}
}

func TestTimeoutDerivation(t *testing.T) {
	gw := New(llm.NewRouter(nil), nil, DefaultConfig(), nil)

	// Unknown prompt size uses the default.
	assert.Equal(t, 600*time.Second, gw.timeoutFor(0))

	// Small prompts clamp to the floor... the fixed overhead already
	// exceeds it, so anything small lands above 120s.
	small := gw.timeoutFor(100)
	assert.GreaterOrEqual(t, small, 120*time.Second)
	assert.Less(t, small, 300*time.Second)

	// Huge prompts clamp to the ceiling.
	assert.Equal(t, 1800*time.Second, gw.timeoutFor(10_000_000))

	// Growth is monotonic in prompt size.
	assert.Greater(t, gw.timeoutFor(100_000), gw.timeoutFor(10_000))
}

func TestStrictLimiterSpacesCalls(t *testing.T) {
	cfg := testConfig()
	cfg.StrictInterval = 50 * time.Millisecond

	scripted := llmtest.NewScriptedClient()
	scripted.AddSequential(llmtest.ScriptEntry{Text: "one"})
	scripted.AddSequential(llmtest.ScriptEntry{Text: "two"})

	router := llm.NewRouter(nil)
	router.Register("test-model", llm.ModelSpec{Model: "backend-model", Strict: true}, scripted)
	gw := New(router, nil, cfg, nil)

	start := time.Now()
	_, _, err := gw.InvokeLLM(context.Background(), invokeReq())
	require.NoError(t, err)
	_, _, err = gw.InvokeLLM(context.Background(), invokeReq())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
