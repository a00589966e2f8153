package api

import (
	"context"

	"github.com/opgroeien/flowd/pkg/emitter"
	"github.com/opgroeien/flowd/pkg/graph"
)

// runOptions describe one graph execution feeding one envelope stream.
type runOptions struct {
	flow     string
	threadID string
	compiled *graph.Compiled
	initial  graph.State
	runCfg   graph.RunConfig

	projectState func(values map[string]any) any
	response     func(values map[string]any) any
}

// startRun launches the graph and its emitter; the returned channel
// carries the envelope stream and closes when the run ends. The context
// should be detached from the request so a dropped connection does not
// abort the run.
func (s *Server) startRun(ctx context.Context, opts runOptions) <-chan emitter.Envelope {
	if s.deps.Metrics != nil {
		s.deps.Metrics.InitExecution(opts.threadID)
	}

	events, errs := opts.compiled.Stream(ctx, opts.initial, opts.runCfg)

	em := emitter.New(emitter.Options{
		Flow:                 opts.flow,
		ThreadID:             opts.threadID,
		Bus:                  s.deps.Bus,
		Metrics:              s.deps.Metrics,
		States:               opts.compiled,
		ProjectState:         opts.projectState,
		Response:             opts.response,
		SnapshotThrottle:     s.cfg.SnapshotThrottle(),
		LongRunningThreshold: s.cfg.LongRunningThreshold(),
		KeepaliveInterval:    s.cfg.ReportKeepalive(),
		Logger:               s.logger,
	})

	out := make(chan emitter.Envelope, 256)
	go func() {
		em.Run(ctx, events, errs, out)
		if s.deps.Metrics != nil {
			s.deps.Metrics.Finalize(opts.threadID)
		}
	}()
	return out
}

// startBackgroundRun launches a run nobody is streaming; the envelopes
// are consumed and discarded so the emitter can progress.
func (s *Server) startBackgroundRun(opts runOptions) {
	out := s.startRun(context.Background(), opts)
	go func() {
		for range out {
		}
	}()
}
