package controlapi

// Stream event types
const (
	EventOutput   = "output"
	EventProgress = "progress"
	EventStatus   = "status"
)

// Event is broadcast to every /v1/stream subscriber.
type Event struct {
	Type          string  `json:"type"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	Text          string  `json:"text"`
	Source        string  `json:"source,omitempty"`
	Stage         string  `json:"stage,omitempty"`
	Percent       float64 `json:"percent,omitempty"`
}

// WorkspaceRequest is the body of /v1/ensure and /v1/interrupt.
type WorkspaceRequest struct {
	Workspace string `json:"workspace"`
}

// ExecuteRequest is the body of /v1/execute.
type ExecuteRequest struct {
	Code          string `json:"code"`
	Workspace     string `json:"workspace"`
	CorrelationID string `json:"correlation_id,omitempty"`
	// TimeoutMS bounds the whole call, server start included. Zero means no bound.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// Response is the reply of every mutating endpoint.
type Response struct {
	OK             bool   `json:"ok"`
	Error          string `json:"error,omitempty"`
	Code           string `json:"code,omitempty"`
	Output         string `json:"output,omitempty"`
	Status         string `json:"status,omitempty"`
	ExecutionCount int    `json:"execution_count,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}
