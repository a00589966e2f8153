package models

// Procedure is one source document fed into the report flow.
type Procedure struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Cluster groups procedures that share a derived document key.
// One analyst pass per cluster produces one chapter; FileID drives
// client-side highlighting.
type Cluster struct {
	FileID         string      `json:"file_id"`
	DepartmentName string      `json:"department_name"`
	TopicName      string      `json:"topic_name"`
	Procedures     []Procedure `json:"procedures"`
}

// Cluster processing status values.
const (
	ClusterStatusPending   = "pending"
	ClusterStatusRunning   = "running"
	ClusterStatusCompleted = "completed"
	ClusterStatusFailed    = "failed"
)

// ClusterState tracks per-cluster progress inside the report state.
type ClusterState struct {
	Status  string `json:"status"`
	Retries int    `json:"retries"`
	Error   string `json:"error,omitempty"`
}
