package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opgroeien/flowd/pkg/checkpoint"
	"github.com/opgroeien/flowd/pkg/emitter"
	"github.com/opgroeien/flowd/pkg/flows/report"
	"github.com/opgroeien/flowd/pkg/graph"
	"github.com/opgroeien/flowd/pkg/threads"
)

// Execution modes of /report/start.
const (
	ModeLocal           = "local"
	ModeCloudRunService = "cloud_run_service"
	ModeCloudRunJob     = "cloud_run_job"
)

type reportStartRequest struct {
	ThreadID      string `json:"thread_id"`
	ExecutionMode string `json:"execution_mode"`
	Model         string `json:"model"`
}

type restoreRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

// handleReportStart launches a report run over the procedure corpus.
// Local and cloud_run_service modes attach the caller to the SSE
// stream; cloud_run_job detaches and answers with a job reference.
func (s *Server) handleReportStart(c *gin.Context) {
	if _, ok := s.authorize(c, emitter.FlowReport); !ok {
		return
	}

	var req reportStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ExecutionMode == "" {
		req.ExecutionMode = ModeLocal
	}
	switch req.ExecutionMode {
	case ModeLocal, ModeCloudRunService, ModeCloudRunJob:
	default:
		respondInvalid(c, fmt.Sprintf("unknown execution_mode %q", req.ExecutionMode))
		return
	}
	if req.Model != "" {
		if _, ok := s.cfg.Models[req.Model]; !ok {
			respondInvalid(c, fmt.Sprintf("unknown model %q", req.Model))
			return
		}
	}

	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		threadID = uuid.NewString()
	}

	procedures, err := s.deps.Procedures(c.Request.Context())
	if err != nil {
		respondError(c, fmt.Errorf("load procedures: %w", err))
		return
	}

	title := "Rapport " + time.Now().Format("2006-01-02")
	flow := emitter.FlowReport
	if err := s.deps.Threads.Upsert(c.Request.Context(), threadID, principal(c), &title, &flow); err != nil {
		respondError(c, fmt.Errorf("register thread: %w", err))
		return
	}
	s.deps.Bus.Clear(threadID)

	opts := s.reportRunOptions(threadID, req.Model, report.InitialState(procedures))

	if req.ExecutionMode == ModeCloudRunJob {
		s.startBackgroundRun(opts)
		c.JSON(http.StatusOK, gin.H{
			"job_id":    threadID,
			"thread_id": threadID,
			"status":    "submitted",
		})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	s.streamSSE(c, s.startRun(ctx, opts))
}

// handleReportStop flags the thread for cancellation; the running
// analyst finishes and no further nodes are scheduled.
func (s *Server) handleReportStop(c *gin.Context) {
	if _, ok := s.authorize(c, emitter.FlowReport); !ok {
		return
	}
	threadID := c.Param("thread_id")
	if !s.requireThread(c, threadID) {
		return
	}
	s.deps.Bus.Cancel(threadID)
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "status": "cancelling"})
}

// handleReportResume continues a report from its latest checkpoint in
// the background; progress is observable via /load and /status.
func (s *Server) handleReportResume(c *gin.Context) {
	if _, ok := s.authorize(c, emitter.FlowReport); !ok {
		return
	}
	threadID := c.Param("thread_id")
	if !s.requireThread(c, threadID) {
		return
	}
	s.deps.Bus.Clear(threadID)
	s.startBackgroundRun(s.reportRunOptions(threadID, "", nil))
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "status": "resumed"})
}

// handleReportLoad returns the latest checkpoint projected to the
// client state shape.
func (s *Server) handleReportLoad(c *gin.Context) {
	if _, ok := s.authorize(c, emitter.FlowReport); !ok {
		return
	}
	threadID := c.Param("thread_id")
	cp, ok := s.latestCheckpoint(c, threadID)
	if !ok {
		return
	}
	next := cp.NextNodes
	if next == nil {
		next = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"thread_id":   threadID,
		"snapshot_id": cp.ID,
		"next":        next,
		"state":       report.Project(cp.Values),
	})
}

// handleReportStatus returns progress counts and the tail of the run
// log.
func (s *Server) handleReportStatus(c *gin.Context) {
	if _, ok := s.authorize(c, emitter.FlowReport); !ok {
		return
	}
	threadID := c.Param("thread_id")
	cp, ok := s.latestCheckpoint(c, threadID)
	if !ok {
		return
	}
	state := report.Project(cp.Values)

	logs := state.Logs
	if len(logs) > 20 {
		logs = logs[len(logs)-20:]
	}
	running := len(cp.NextNodes) > 0

	c.JSON(http.StatusOK, gin.H{
		"thread_id":      threadID,
		"running":        running,
		"clusters_total": len(state.ClustersAll),
		"chapters_done":  len(state.Chapters),
		"failed":         len(state.FailedChapterIDs),
		"pending":        len(state.PendingClusters),
		"final_report":   state.FinalReport != "",
		"cluster_status": state.ClusterStatus,
		"logs":           logs,
	})
}

// handleReportSnapshots lists the thread's checkpoint ancestry, root
// first.
func (s *Server) handleReportSnapshots(c *gin.Context) {
	if _, ok := s.authorize(c, emitter.FlowReport); !ok {
		return
	}
	threadID := c.Param("thread_id")
	history, err := s.deps.Report("").GetStateHistory(c.Request.Context(), threadID)
	if err != nil {
		s.respondCheckpointError(c, threadID, err)
		return
	}
	snapshots := make([]gin.H, 0, len(history))
	for _, cp := range history {
		snapshots = append(snapshots, gin.H{
			"snapshot_id": cp.ID,
			"parent_id":   cp.ParentID,
			"step":        cp.Step,
			"next":        cp.NextNodes,
			"created_at":  cp.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "snapshots": snapshots})
}

// handleReportRestore resumes execution from a specific checkpoint.
func (s *Server) handleReportRestore(c *gin.Context) {
	if _, ok := s.authorize(c, emitter.FlowReport); !ok {
		return
	}
	threadID := c.Param("thread_id")
	if !s.requireThread(c, threadID) {
		return
	}
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SnapshotID) == "" {
		respondInvalid(c, "snapshot_id is required")
		return
	}
	if _, err := s.deps.Report("").GetStateHistory(c.Request.Context(), threadID); err != nil {
		s.respondCheckpointError(c, threadID, err)
		return
	}

	s.deps.Bus.Clear(threadID)
	opts := s.reportRunOptions(threadID, "", nil)
	opts.runCfg.CheckpointID = req.SnapshotID
	s.startBackgroundRun(opts)
	c.JSON(http.StatusOK, gin.H{
		"thread_id":   threadID,
		"snapshot_id": req.SnapshotID,
		"status":      "restoring",
	})
}

func (s *Server) reportRunOptions(threadID, model string, initial graph.State) runOptions {
	compiled := s.deps.Report(model)
	return runOptions{
		flow:     emitter.FlowReport,
		threadID: threadID,
		compiled: compiled,
		initial:  initial,
		runCfg: graph.RunConfig{
			ThreadID:       threadID,
			RecursionLimit: s.cfg.Execution.GraphRecursionLimit,
		},
		projectState: func(values map[string]any) any {
			return report.Project(values)
		},
		response: func(values map[string]any) any {
			return report.Response(graph.State(values))
		},
	}
}

// requireThread answers 404 when the thread is not registered.
func (s *Server) requireThread(c *gin.Context, threadID string) bool {
	exists, err := s.deps.Threads.Exists(c.Request.Context(), threadID)
	if err != nil {
		respondError(c, fmt.Errorf("look up thread: %w", err))
		return false
	}
	if !exists {
		respondError(c, fmt.Errorf("thread %s: %w", threadID, threads.ErrNotFound))
		return false
	}
	return true
}

// latestCheckpoint fetches the leaf checkpoint or answers 404/500.
func (s *Server) latestCheckpoint(c *gin.Context, threadID string) (*checkpoint.Checkpoint, bool) {
	cp, err := s.deps.Report("").GetState(c.Request.Context(), threadID)
	if err != nil {
		s.respondCheckpointError(c, threadID, err)
		return nil, false
	}
	return cp, true
}

func (s *Server) respondCheckpointError(c *gin.Context, threadID string, err error) {
	if errors.Is(err, checkpoint.ErrNotFound) {
		respondError(c, fmt.Errorf("thread %s: %w", threadID, threads.ErrNotFound))
		return
	}
	respondError(c, fmt.Errorf("read checkpoint: %w", err))
}
