package api

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opgroeien/flowd/pkg/emitter"
	"github.com/opgroeien/flowd/pkg/llm/llmtest"
	"github.com/opgroeien/flowd/pkg/models"
)

func TestChatRequiresBearerToken(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.postChat("", map[string]string{"message": "hallo"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2 := env.do(http.MethodPost, "/chat", "", "application/x-www-form-urlencoded", nil)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	// A token is required even for an email the access map would allow;
	// an unknown principal is rejected outright.
	resp3 := env.postChat("niemand@elders.be", map[string]string{"message": "hallo"})
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp3.StatusCode)
}

func TestChatRequiresMessage(t *testing.T) {
	env := newAPIEnv(t)

	resp := env.postChat(tokenFull, map[string]string{"message": "   "})
	body := decodeJSON(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, emitter.KindInvalid, body["error_type"])
}

func TestChatStreamSequence(t *testing.T) {
	env := newAPIEnv(t)
	env.scripted.AddSequential(llmtest.ScriptEntry{Text: "Dag, hoe kan ik helpen?"})

	resp := env.postChat(tokenFull, map[string]string{"message": "Hallo daar"})
	envs := collectSSE(t, resp)
	require.NotEmpty(t, envs)

	assert.Equal(t, emitter.TypeGraphStart, envs[0].Type)
	for i, env := range envs {
		assert.Equal(t, uint64(i+1), env.Seq)
		assert.Equal(t, emitter.FlowChat, env.Flow)
	}

	types := map[string]int{}
	for _, e := range envs {
		types[e.Type]++
	}
	assert.GreaterOrEqual(t, types[emitter.TypeNodeStart], 1)
	assert.Equal(t, types[emitter.TypeNodeStart], types[emitter.TypeNodeEnd])
	assert.GreaterOrEqual(t, types[emitter.TypeLLMStart], 1)
	assert.GreaterOrEqual(t, types[emitter.TypeContentChunk], 1)
	assert.GreaterOrEqual(t, types[emitter.TypeStateSnapshot], 1)

	last := envs[len(envs)-1]
	require.Equal(t, emitter.TypeGraphEnd, last.Type)
	assert.Equal(t, "Dag, hoe kan ik helpen?", payloadOf(last)["response"])

	// The first node pair is the agent node.
	for _, e := range envs {
		if e.Type == emitter.TypeNodeStart {
			assert.Equal(t, "agent", payloadOf(e)["node"])
			break
		}
	}
}

func TestChatToolCallStreamsToolEvents(t *testing.T) {
	env := newAPIEnv(t)
	env.scripted.AddSequential(llmtest.ScriptEntry{
		Text: "Ik zoek dat op.",
		ToolCalls: []models.ToolCall{
			{CallID: "call-1", Name: "get_procedure", Args: map[string]any{"query": "PR-AV-001"}},
		},
	})
	env.scripted.AddSequential(llmtest.ScriptEntry{Text: "Volgens PR-AV-001 geldt het volgende."})

	resp := env.postChat(tokenFull, map[string]string{"message": "wat zegt PR-AV-001?"})
	envs := collectSSE(t, resp)

	var order []string
	for _, e := range envs {
		switch e.Type {
		case emitter.TypeToolStart, emitter.TypeToolEnd, emitter.TypeGraphEnd:
			order = append(order, e.Type)
		}
	}
	// Tool pair precedes the closing graph_end of the second agent pass.
	require.Equal(t, []string{emitter.TypeToolStart, emitter.TypeToolEnd, emitter.TypeGraphEnd}, order)

	last := envs[len(envs)-1]
	assert.Equal(t, "Volgens PR-AV-001 geldt het volgende.", payloadOf(last)["response"])
}

func TestChatRegistersThreadWithDerivedTitle(t *testing.T) {
	env := newAPIEnv(t)
	env.scripted.AddSequential(llmtest.ScriptEntry{Text: "Zeker."})

	resp := env.postChat(tokenFull, map[string]string{
		"message":   "Hoe vraag ik verlof aan?",
		"thread_id": "chat-42",
	})
	collectSSE(t, resp)

	listResp := env.do(http.MethodGet, "/threads?flow=chat", tokenFull, "", nil)
	body := decodeJSON(t, listResp)
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	list, ok := body["threads"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	thread := list[0].(map[string]any)
	assert.Equal(t, "chat-42", thread["thread_id"])
	assert.Equal(t, "Hoe vraag ik verlof aan?", thread["title"])
	assert.Equal(t, emitter.FlowChat, thread["flow"])
}

func TestChatAttachmentsAppendToMessage(t *testing.T) {
	env := newAPIEnv(t)
	env.scripted.AddSequential(llmtest.ScriptEntry{Text: "Gelezen."})

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("message", "Vat dit samen"))
	fw, err := w.CreateFormFile("files", "notitie.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("De opvang sluit om 18u."))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	resp := env.do(http.MethodPost, "/chat", tokenFull, w.FormDataContentType(), &buf)
	envs := collectSSE(t, resp)
	require.NotEmpty(t, envs)
	assert.Equal(t, emitter.TypeGraphEnd, envs[len(envs)-1].Type)

	captured := env.scripted.Captured()
	require.Len(t, captured, 1)
	human := captured[0].Messages[len(captured[0].Messages)-1]
	assert.Contains(t, human.Content, "Vat dit samen")
	assert.Contains(t, human.Content, "notitie.txt")
	assert.Contains(t, human.Content, "De opvang sluit om 18u.")
}

func TestGraphStateForChatThread(t *testing.T) {
	env := newAPIEnv(t)
	env.scripted.AddSequential(llmtest.ScriptEntry{Text: "Dag."})

	resp := env.postChat(tokenFull, map[string]string{"message": "hallo", "thread_id": "chat-7"})
	collectSSE(t, resp)

	stateResp := env.do(http.MethodGet, "/graph/state?thread_id=chat-7", tokenFull, "", nil)
	body := decodeJSON(t, stateResp)
	require.Equal(t, http.StatusOK, stateResp.StatusCode)

	state := body["state"].(map[string]any)
	messages := state["messages"].([]any)
	assert.Len(t, messages, 2)

	missing := env.do(http.MethodGet, "/graph/state?thread_id=bestaat-niet", tokenFull, "", nil)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.do(http.MethodGet, "/healthz", "", "", nil)
	body := decodeJSON(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}
