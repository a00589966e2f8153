package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/opgroeien/flowd/pkg/emitter"
	"github.com/opgroeien/flowd/pkg/flows/chat"
	"github.com/opgroeien/flowd/pkg/flows/report"
	"github.com/opgroeien/flowd/pkg/graph"
	"github.com/opgroeien/flowd/pkg/models"
)

// handleGraphStructure returns the static topology of a flow graph.
func (s *Server) handleGraphStructure(c *gin.Context) {
	flow := c.Query("flow")
	var compiled *graph.Compiled
	switch flow {
	case emitter.FlowChat:
		compiled = s.deps.Chat
	case emitter.FlowReport:
		compiled = s.deps.Report("")
	default:
		respondInvalid(c, fmt.Sprintf("unknown flow %q", flow))
		return
	}
	if _, ok := s.authorize(c, flow); !ok {
		return
	}
	c.JSON(http.StatusOK, compiled.Structure())
}

// handleGraphState returns the current state projection of a thread,
// shaped per its flow.
func (s *Server) handleGraphState(c *gin.Context) {
	threadID := strings.TrimSpace(c.Query("thread_id"))
	if threadID == "" {
		respondInvalid(c, "thread_id is required")
		return
	}

	thread, err := s.deps.Threads.Get(c.Request.Context(), threadID)
	if err != nil {
		respondError(c, fmt.Errorf("thread %s: %w", threadID, err))
		return
	}
	flow := emitter.FlowChat
	if thread.Flow != nil {
		flow = *thread.Flow
	}
	if _, ok := s.authorize(c, flow); !ok {
		return
	}

	if flow == emitter.FlowReport {
		cp, ok := s.latestCheckpoint(c, threadID)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"thread_id": threadID,
			"flow":      flow,
			"state":     report.Project(cp.Values),
		})
		return
	}

	cp, err := s.deps.Chat.GetState(c.Request.Context(), threadID)
	if err != nil {
		s.respondCheckpointError(c, threadID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"thread_id": threadID,
		"flow":      flow,
		"state": gin.H{
			"messages": chat.MessagesFrom(graph.State(cp.Values)),
		},
	})
}

// handleThreadsList returns the caller's threads, most recently used
// first, optionally filtered by flow.
func (s *Server) handleThreadsList(c *gin.Context) {
	var flow *string
	if f := c.Query("flow"); f != "" {
		if f != emitter.FlowChat && f != emitter.FlowReport {
			respondInvalid(c, fmt.Sprintf("unknown flow %q", f))
			return
		}
		flow = &f
	}

	list, err := s.deps.Threads.ListForUser(c.Request.Context(), principal(c), flow)
	if err != nil {
		respondError(c, fmt.Errorf("list threads: %w", err))
		return
	}
	if list == nil {
		list = []*models.Thread{}
	}
	c.JSON(http.StatusOK, gin.H{"threads": list})
}
