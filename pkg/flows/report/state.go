package report

import (
	"github.com/opgroeien/flowd/pkg/graph"
	"github.com/opgroeien/flowd/pkg/models"
)

// State channel accessors. Values read back from a checkpoint can come
// in generic forms; these helpers normalize both.

func clusterFrom(value any) (models.Cluster, bool) {
	cluster, ok := value.(models.Cluster)
	return cluster, ok
}

func clustersFrom(value any) []models.Cluster {
	switch v := value.(type) {
	case []models.Cluster:
		return v
	case []any:
		out := make([]models.Cluster, 0, len(v))
		for _, item := range v {
			if cluster, ok := item.(models.Cluster); ok {
				out = append(out, cluster)
			}
		}
		return out
	default:
		return nil
	}
}

func proceduresFrom(value any) []models.Procedure {
	switch v := value.(type) {
	case []models.Procedure:
		return v
	case []any:
		out := make([]models.Procedure, 0, len(v))
		for _, item := range v {
			if proc, ok := item.(models.Procedure); ok {
				out = append(out, proc)
			}
		}
		return out
	default:
		return nil
	}
}

func stringsFrom(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func statusFrom(value any) map[string]models.ClusterState {
	switch v := value.(type) {
	case map[string]models.ClusterState:
		return v
	case map[string]any:
		out := make(map[string]models.ClusterState, len(v))
		for k, item := range v {
			if state, ok := item.(models.ClusterState); ok {
				out[k] = state
			}
		}
		return out
	default:
		return nil
	}
}

func chapterMapFrom(value any) map[string]string {
	switch v := value.(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, item := range v {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}

// Project converts raw checkpoint values into the client-facing report
// state.
func Project(values map[string]any) models.ReportState {
	state := graph.State(values)
	projected := models.ReportState{
		RawProcedures:    proceduresFrom(state[models.ChannelRawProcedures]),
		PendingClusters:  clustersFrom(state[models.ChannelPendingClusters]),
		ClustersAll:      clustersFrom(state[models.ChannelClustersAll]),
		Chapters:         stringsFrom(state[models.ChannelChapters]),
		ChaptersByFileID: chapterMapFrom(state[models.ChannelChaptersByFileID]),
		ClusterStatus:    statusFrom(state[models.ChannelClusterStatus]),
		Logs:             stringsFrom(state[models.ChannelLogs]),
		FailedChapterIDs: stringsFrom(state[models.ChannelFailedChapters]),
	}
	if projected.Chapters == nil {
		projected.Chapters = []string{}
	}
	projected.FinalReport, _ = state[models.ChannelFinalReport].(string)
	return projected
}
