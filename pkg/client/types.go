package client

// ChunkResult is the outcome of one chunk written for an ingest request.
type ChunkResult struct {
	Tag     string `json:"tag,omitempty"`
	Records int    `json:"records"`
	Bytes   int    `json:"bytes"`
	Result  string `json:"result"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// IngestResponse is the body returned by POST /ingest/:tag.
type IngestResponse struct {
	Records int           `json:"records"`
	Result  string        `json:"result"`
	Chunks  []ChunkResult `json:"chunks"`
}

// IngestOptions are optional parameters of an ingest request.
type IngestOptions struct {
	// TimeKey names the record field the server reads the event time from.
	TimeKey string
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error string `json:"error"`
}
