// Package report builds the long-running report flow: a splitter fans
// procedure clusters out to parallel analyst nodes, a batch processor
// feeds the next batch (and retries failures), and an editor joins the
// chapters into the final report.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opgroeien/flowd/pkg/gateway"
	"github.com/opgroeien/flowd/pkg/graph"
	"github.com/opgroeien/flowd/pkg/llm"
	"github.com/opgroeien/flowd/pkg/models"
	"github.com/opgroeien/flowd/pkg/prompt"
	"github.com/opgroeien/flowd/pkg/tools"
)

// FlowName is the flow tag recorded on report threads.
const FlowName = "opgroeien.poc.report"

const (
	NodeSplitter           = "splitter_node"
	NodeAnalyst            = "analyst_node"
	NodeBatchProcessor     = "batch_processor_node"
	NodeBatchProcessorNoop = "batch_processor_noop_node"
	NodeEditor             = "editor_node"
)

// MetadataFileID tags analyst dispatches with their cluster for the
// event stream.
const MetadataFileID = "file_id"

// maxAnalystTurns bounds the analyst's inner tool loop.
const maxAnalystTurns = 8

// Config wires the report flow's dependencies.
type Config struct {
	Gateway *gateway.Gateway

	// Tools holds the retrieval tools (get_procedure, get_regelgeving).
	// The consult tool is added by Build when ConsultFlow is set.
	Tools *tools.Registry

	Prompts      *prompt.Library
	AnalystModel string
	EditorModel  string

	// ConsultFlow is the chat subgraph backing
	// consult_general_knowledge. Optional.
	ConsultFlow *graph.Compiled

	// Workers is the analyst fan-out batch size.
	Workers int

	// MaxRetries bounds re-dispatches per failed cluster.
	MaxRetries int

	// AnalystTimeout caps one analyst pass; zero disables.
	AnalystTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return 3
}

// Schema is the report state schema.
func Schema() graph.Schema {
	return graph.Schema{
		models.ChannelChapters:         graph.Append,
		models.ChannelLogs:             graph.Append,
		models.ChannelFailedChapters:   graph.Append,
		models.ChannelChaptersByFileID: graph.MergeMap,
		models.ChannelClusterStatus:    graph.MergeMap,
	}
}

// InitialState builds the state for a new report run.
func InitialState(procedures []models.Procedure) graph.State {
	return graph.State{
		models.ChannelRawProcedures: procedures,
	}
}

// Response returns the final report from a finished state.
func Response(state graph.State) string {
	text, _ := state[models.ChannelFinalReport].(string)
	return text
}

// Build constructs the report graph definition.
func Build(cfg Config) *graph.Graph {
	analystTools := analystRegistry(cfg)

	g := graph.New(FlowName, Schema())
	g.AddNode(NodeSplitter, splitterNode(cfg))
	g.AddNode(NodeAnalyst, analystNode(cfg, analystTools))
	g.AddNode(NodeBatchProcessor, batchProcessorNode(cfg))
	g.AddNode(NodeBatchProcessorNoop, noopNode())
	g.AddNode(NodeEditor, editorNode(cfg))
	g.SetEntry(NodeSplitter)

	g.AddConditionalEdge(NodeSplitter, advanceRoute)
	g.AddConditionalEdge(NodeBatchProcessor, advanceRoute)
	g.AddEdge(NodeAnalyst, NodeBatchProcessor)
	g.AddEdge(NodeBatchProcessorNoop, graph.End)
	g.AddEdge(NodeEditor, graph.End)
	return g
}

// advanceRoute follows a dispatch-computing node: forward its
// dispatches, close the branch through the noop node when the final
// report is already written, otherwise hand over to the editor.
func advanceRoute(state graph.State, result graph.NodeResult) graph.Route {
	if len(result.Dispatches) > 0 {
		return graph.Route{Dispatches: result.Dispatches}
	}
	if text, _ := state[models.ChannelFinalReport].(string); text != "" {
		return graph.Route{Next: []string{NodeBatchProcessorNoop}}
	}
	return graph.Route{Next: []string{NodeEditor}}
}

func analystRegistry(cfg Config) *tools.Registry {
	registry := tools.NewRegistry()
	if cfg.Tools != nil {
		for _, spec := range cfg.Tools.Specs() {
			if tool, err := cfg.Tools.Get(spec.Name); err == nil {
				registry.Register(tool)
			}
		}
	}
	if cfg.ConsultFlow != nil {
		registry.Register(&ConsultTool{Flow: cfg.ConsultFlow})
	}
	return registry
}

// splitterNode derives the cluster list, records it, and dispatches the
// first batch; the remainder is parked in pending_clusters.
func splitterNode(cfg Config) graph.NodeFunc {
	return func(ctx context.Context, rc *graph.RunContext, state graph.State, input any) (graph.NodeResult, error) {
		procedures := proceduresFrom(state[models.ChannelRawProcedures])
		clusters := DeriveClusters(procedures)

		batch := clusters
		var pending []models.Cluster
		if len(clusters) > cfg.workers() {
			batch = clusters[:cfg.workers()]
			pending = clusters[cfg.workers():]
		}

		status := make(map[string]models.ClusterState, len(clusters))
		for _, c := range batch {
			status[c.FileID] = models.ClusterState{Status: models.ClusterStatusRunning}
		}
		for _, c := range pending {
			status[c.FileID] = models.ClusterState{Status: models.ClusterStatusPending}
		}

		rc.Logger.Info("split procedures into clusters",
			"procedures", len(procedures), "clusters", len(clusters), "batch", len(batch))

		return graph.NodeResult{
			Update: graph.State{
				models.ChannelClustersAll:     clusters,
				models.ChannelPendingClusters: pending,
				models.ChannelClusterStatus:   status,
				models.ChannelLogs: []string{fmt.Sprintf(
					"splitter: %d procedures verdeeld over %d clusters", len(procedures), len(clusters))},
			},
			Dispatches: dispatches(batch),
		}, nil
	}
}

// analystNode writes one chapter for its cluster. Failures of any kind
// are converted into a failed cluster_status update so the run can
// advance; the node never returns an error.
func analystNode(cfg Config, analystTools *tools.Registry) graph.NodeFunc {
	return func(ctx context.Context, rc *graph.RunContext, state graph.State, input any) (graph.NodeResult, error) {
		cluster, ok := clusterFrom(input)
		if !ok {
			rc.Logger.Error("analyst dispatched without a cluster payload")
			return graph.NodeResult{Update: graph.State{
				models.ChannelLogs: []string{"analyst: dispatch zonder cluster genegeerd"},
			}}, nil
		}

		retries := statusFrom(state[models.ChannelClusterStatus])[cluster.FileID].Retries

		callCtx := ctx
		if cfg.AnalystTimeout > 0 {
			var cancelFn context.CancelFunc
			callCtx, cancelFn = context.WithTimeout(ctx, cfg.AnalystTimeout)
			defer cancelFn()
		}

		chapter, err := writeChapter(callCtx, cfg, analystTools, rc, cluster)
		if err != nil {
			rc.Logger.Warn("analyst failed",
				"file_id", cluster.FileID, "retries", retries, "error", err)
			return graph.NodeResult{Update: graph.State{
				models.ChannelClusterStatus: map[string]models.ClusterState{
					cluster.FileID: {Status: models.ClusterStatusFailed, Retries: retries, Error: err.Error()},
				},
				models.ChannelFailedChapters: []string{cluster.FileID},
				models.ChannelLogs: []string{fmt.Sprintf(
					"analyst %s: mislukt: %v", cluster.FileID, err)},
			}}, nil
		}

		return graph.NodeResult{Update: graph.State{
			models.ChannelChapters:         []string{chapter},
			models.ChannelChaptersByFileID: map[string]any{cluster.FileID: chapter},
			models.ChannelClusterStatus: map[string]models.ClusterState{
				cluster.FileID: {Status: models.ClusterStatusCompleted, Retries: retries},
			},
			models.ChannelLogs: []string{fmt.Sprintf("analyst %s: hoofdstuk klaar", cluster.FileID)},
		}}, nil
	}
}

// writeChapter runs the analyst's inner tool loop to one final text.
func writeChapter(ctx context.Context, cfg Config, analystTools *tools.Registry, rc *graph.RunContext, cluster models.Cluster) (string, error) {
	system, err := cfg.Prompts.Render("analyst_system", map[string]any{
		"TopicName":      cluster.TopicName,
		"DepartmentName": cluster.DepartmentName,
	})
	if err != nil {
		return "", err
	}
	user, err := cfg.Prompts.Render("analyst_user", map[string]any{
		"Count":      len(cluster.Procedures),
		"Procedures": formatProcedures(cluster.Procedures),
	})
	if err != nil {
		return "", err
	}

	messages := []models.Message{
		models.NewSystemMessage(system),
		models.NewHumanMessage(user),
	}

	for turn := 0; turn < maxAnalystTurns; turn++ {
		rc.EmitModelStart(cfg.AnalystModel, cluster.TopicName)
		resp, usage, err := cfg.Gateway.InvokeLLM(ctx, &gateway.Request{
			Model:    cfg.AnalystModel,
			Messages: messages,
			Tools:    analystTools.Specs(),
			Context: gateway.CallContext{
				ThreadID:    rc.ThreadID,
				RunID:       rc.RunID,
				NodeName:    rc.Node,
				InputTokens: estimateTokens(messages),
			},
			Observer: func(chunk llm.Chunk) {
				if text, ok := chunk.(llm.TextChunk); ok {
					rc.EmitModelStream(text.Content)
				}
			},
		})
		if err != nil {
			return "", err
		}
		rc.EmitModelEnd(cfg.AnalystModel, cluster.TopicName, resp.Text, &usage)

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Text) == "" {
				return "", fmt.Errorf("analyst produced an empty chapter for %s", cluster.FileID)
			}
			return resp.Text, nil
		}

		messages = append(messages, resp.Message())
		for _, call := range resp.ToolCalls {
			rc.EmitToolStart(call.Name, call.Args)
			content := executeTool(ctx, analystTools, call, rc.Logger)
			rc.EmitToolEnd(call.Name, call.Args, content)
			messages = append(messages, models.NewToolMessage(call.CallID, call.Name, content))
		}
	}
	return "", fmt.Errorf("analyst exceeded %d tool turns for %s", maxAnalystTurns, cluster.FileID)
}

func executeTool(ctx context.Context, registry *tools.Registry, call models.ToolCall, logger *slog.Logger) string {
	tool, err := registry.Get(call.Name)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	content, err := tool.Execute(ctx, call.Args)
	if err != nil {
		if logger != nil {
			logger.Warn("analyst tool failed", "tool", call.Name, "error", err)
		}
		return fmt.Sprintf("Error: %v", err)
	}
	return content
}

// batchProcessorNode advances the run: dispatch the next pending batch,
// re-dispatch retryable failures, or hand over to the editor.
func batchProcessorNode(cfg Config) graph.NodeFunc {
	return func(ctx context.Context, rc *graph.RunContext, state graph.State, input any) (graph.NodeResult, error) {
		pending := clustersFrom(state[models.ChannelPendingClusters])
		if len(pending) > 0 {
			batch := pending
			var rest []models.Cluster
			if len(pending) > cfg.workers() {
				batch = pending[:cfg.workers()]
				rest = pending[cfg.workers():]
			}
			status := make(map[string]models.ClusterState, len(batch))
			for _, c := range batch {
				status[c.FileID] = models.ClusterState{Status: models.ClusterStatusRunning}
			}
			rc.Logger.Info("dispatching next batch", "batch", len(batch), "remaining", len(rest))
			return graph.NodeResult{
				Update: graph.State{
					models.ChannelPendingClusters: rest,
					models.ChannelClusterStatus:   status,
				},
				Dispatches: dispatches(batch),
			}, nil
		}

		retryable, exhausted := splitFailures(cfg, state)
		if len(retryable) > 0 {
			byFileID := clusterIndex(clustersFrom(state[models.ChannelClustersAll]))
			status := make(map[string]models.ClusterState, len(retryable))
			var batch []models.Cluster
			for fileID, retries := range retryable {
				cluster, ok := byFileID[fileID]
				if !ok {
					continue
				}
				batch = append(batch, cluster)
				status[fileID] = models.ClusterState{Status: models.ClusterStatusRunning, Retries: retries + 1}
			}
			rc.Logger.Info("retrying failed clusters", "count", len(batch))
			return graph.NodeResult{
				Update: graph.State{
					// Retried ids leave the failed list; they re-enter it
					// only if the retry fails again.
					models.ChannelFailedChapters: graph.Replace{Value: exhausted},
					models.ChannelClusterStatus:  status,
					models.ChannelLogs: []string{fmt.Sprintf(
						"batch_processor: %d mislukte clusters opnieuw geprobeerd", len(batch))},
				},
				Dispatches: dispatches(batch),
			}, nil
		}

		return graph.NodeResult{Update: graph.State{
			models.ChannelLogs: []string{"batch_processor: alle clusters verwerkt, door naar de eindredactie"},
		}}, nil
	}
}

// splitFailures partitions failed_chapter_ids into retryable ids (with
// their current retry count) and ids whose retry budget is spent.
func splitFailures(cfg Config, state graph.State) (map[string]int, []string) {
	failed := stringsFrom(state[models.ChannelFailedChapters])
	status := statusFrom(state[models.ChannelClusterStatus])

	retryable := make(map[string]int)
	exhausted := []string{}
	seen := make(map[string]bool)
	for _, fileID := range failed {
		if seen[fileID] {
			continue
		}
		seen[fileID] = true
		if retries := status[fileID].Retries; retries < cfg.MaxRetries {
			retryable[fileID] = retries
		} else {
			exhausted = append(exhausted, fileID)
		}
	}
	return retryable, exhausted
}

// noopNode closes a fan-out branch without touching state.
func noopNode() graph.NodeFunc {
	return func(ctx context.Context, rc *graph.RunContext, state graph.State, input any) (graph.NodeResult, error) {
		return graph.NodeResult{}, nil
	}
}

// editorNode joins the chapters, in clusters_all order, into the final
// report via a single model call.
func editorNode(cfg Config) graph.NodeFunc {
	return func(ctx context.Context, rc *graph.RunContext, state graph.State, input any) (graph.NodeResult, error) {
		clusters := clustersFrom(state[models.ChannelClustersAll])
		byFileID := chapterMapFrom(state[models.ChannelChaptersByFileID])

		var ordered []string
		var missing []string
		for _, cluster := range clusters {
			if chapter, ok := byFileID[cluster.FileID]; ok {
				ordered = append(ordered, chapter)
			} else {
				missing = append(missing, cluster.FileID)
			}
		}

		var missingNote string
		if len(missing) > 0 {
			missingNote = fmt.Sprintf(
				"de hoofdstukken voor %s konden niet worden geschreven; vermeld dit in de inleiding",
				strings.Join(missing, ", "))
		}

		system, err := cfg.Prompts.Text("editor_system")
		if err != nil {
			return graph.NodeResult{}, err
		}
		user, err := cfg.Prompts.Render("editor_user", map[string]any{
			"Chapters":    strings.Join(ordered, "\n\n"),
			"MissingNote": missingNote,
		})
		if err != nil {
			return graph.NodeResult{}, err
		}

		messages := []models.Message{
			models.NewSystemMessage(system),
			models.NewHumanMessage(user),
		}
		rc.EmitModelStart(cfg.EditorModel, fmt.Sprintf("%d hoofdstukken", len(ordered)))
		resp, usage, err := cfg.Gateway.InvokeLLM(ctx, &gateway.Request{
			Model:    cfg.EditorModel,
			Messages: messages,
			Context: gateway.CallContext{
				ThreadID:    rc.ThreadID,
				RunID:       rc.RunID,
				NodeName:    rc.Node,
				InputTokens: estimateTokens(messages),
			},
			Observer: func(chunk llm.Chunk) {
				if text, ok := chunk.(llm.TextChunk); ok {
					rc.EmitModelStream(text.Content)
				}
			},
		})
		if err != nil {
			return graph.NodeResult{}, err
		}
		rc.EmitModelEnd(cfg.EditorModel, fmt.Sprintf("%d hoofdstukken", len(ordered)), resp.Text, &usage)

		return graph.NodeResult{Update: graph.State{
			models.ChannelFinalReport: resp.Text,
			models.ChannelLogs:        []string{"editor: eindrapport opgesteld"},
		}}, nil
	}
}

func dispatches(batch []models.Cluster) []graph.Dispatch {
	out := make([]graph.Dispatch, 0, len(batch))
	for _, cluster := range batch {
		out = append(out, graph.Dispatch{
			Node:     NodeAnalyst,
			Input:    cluster,
			Metadata: map[string]any{MetadataFileID: cluster.FileID},
		})
	}
	return out
}

func clusterIndex(clusters []models.Cluster) map[string]models.Cluster {
	out := make(map[string]models.Cluster, len(clusters))
	for _, cluster := range clusters {
		out[cluster.FileID] = cluster
	}
	return out
}

func formatProcedures(procedures []models.Procedure) string {
	var b strings.Builder
	for _, proc := range procedures {
		fmt.Fprintf(&b, "### %s (%s)\n%s\n\n", proc.ID, proc.Title, proc.Content)
	}
	return b.String()
}

func estimateTokens(messages []models.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}
