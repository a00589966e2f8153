package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opgroeien/flowd/pkg/emitter"
	"github.com/opgroeien/flowd/pkg/flows/chat"
	"github.com/opgroeien/flowd/pkg/graph"
	"github.com/opgroeien/flowd/pkg/threads"
)

// Attachments beyond this size are rejected rather than truncated.
const maxAttachmentBytes = 1 << 20

// handleChat runs one chat turn and streams the envelope sequence.
// Multipart fields: message (required), thread_id (optional, a new
// thread is created when absent), files (optional attachments appended
// to the message).
func (s *Server) handleChat(c *gin.Context) {
	if _, ok := s.authorize(c, emitter.FlowChat); !ok {
		return
	}

	message := strings.TrimSpace(c.PostForm("message"))
	if message == "" {
		respondInvalid(c, "message is required")
		return
	}

	threadID := strings.TrimSpace(c.PostForm("thread_id"))
	if threadID == "" {
		threadID = uuid.NewString()
	}

	if form, err := c.MultipartForm(); err == nil && form != nil {
		attached, err := attachFiles(message, form.File["files"])
		if err != nil {
			respondInvalid(c, err.Error())
			return
		}
		message = attached
	}

	title := threads.DeriveTitle(message)
	flow := emitter.FlowChat
	if err := s.deps.Threads.Upsert(c.Request.Context(), threadID, principal(c), &title, &flow); err != nil {
		respondError(c, fmt.Errorf("register thread: %w", err))
		return
	}
	s.deps.Bus.Clear(threadID)

	// Detached from the request: a dropped connection must not abort
	// the turn mid-checkpoint.
	ctx := context.WithoutCancel(c.Request.Context())
	out := s.startRun(ctx, runOptions{
		flow:     emitter.FlowChat,
		threadID: threadID,
		compiled: s.deps.Chat,
		initial:  chat.InitialState(message),
		runCfg: graph.RunConfig{
			ThreadID:       threadID,
			RecursionLimit: s.cfg.Execution.GraphRecursionLimit,
		},
		response: func(values map[string]any) any {
			return chat.Response(graph.State(values))
		},
	})
	s.streamSSE(c, out)
}

// attachFiles appends uploaded text attachments to the message body.
func attachFiles(message string, files []*multipart.FileHeader) (string, error) {
	var b strings.Builder
	b.WriteString(message)
	for _, header := range files {
		if header.Size > maxAttachmentBytes {
			return "", fmt.Errorf("attachment %s exceeds %d bytes", header.Filename, maxAttachmentBytes)
		}
		f, err := header.Open()
		if err != nil {
			return "", fmt.Errorf("open attachment %s: %w", header.Filename, err)
		}
		content, err := io.ReadAll(io.LimitReader(f, maxAttachmentBytes))
		f.Close()
		if err != nil {
			return "", fmt.Errorf("read attachment %s: %w", header.Filename, err)
		}
		fmt.Fprintf(&b, "\n\nBijlage %s:\n%s", header.Filename, content)
	}
	return b.String(), nil
}
