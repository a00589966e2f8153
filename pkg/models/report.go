package models

// Report state channel names. The report graph schema is declared over
// these keys; reducers are bound per channel in pkg/flows/report.
const (
	ChannelRawProcedures    = "raw_procedures"
	ChannelPendingClusters  = "pending_clusters"
	ChannelClustersAll      = "clusters_all"
	ChannelChapters         = "chapters"
	ChannelChaptersByFileID = "chapters_by_file_id"
	ChannelClusterStatus    = "cluster_status"
	ChannelFinalReport      = "final_report"
	ChannelLogs             = "logs"
	ChannelFailedChapters   = "failed_chapter_ids"
)

// ChannelMessages is the single channel of the chat flow state.
const ChannelMessages = "messages"

// ReportState is the client-facing projection of a report thread's
// checkpointed graph state. Produced by the /load and /status endpoints
// and embedded in state_snapshot events.
type ReportState struct {
	RawProcedures    []Procedure             `json:"raw_procedures,omitempty"`
	PendingClusters  []Cluster               `json:"pending_clusters,omitempty"`
	ClustersAll      []Cluster               `json:"clusters_all,omitempty"`
	Chapters         []string                `json:"chapters"`
	ChaptersByFileID map[string]string       `json:"chapters_by_file_id,omitempty"`
	ClusterStatus    map[string]ClusterState `json:"cluster_status,omitempty"`
	FinalReport      string                  `json:"final_report,omitempty"`
	Logs             []string                `json:"logs,omitempty"`
	FailedChapterIDs []string                `json:"failed_chapter_ids,omitempty"`
}
