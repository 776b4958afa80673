package protocol

// OpenRequest is the first frame the master sends a worker after pairing it
// with a client session. ContentType is nil when the client did not supply
// one.
type OpenRequest struct {
	ID          string  `json:"id"`
	ContentType *string `json:"content_type"`
	UserID      string  `json:"user_id"`
	ContentID   string  `json:"content_id"`
}

// Event is a single JSON message from a worker. Status is always present;
// Result only accompanies StatusSuccess events. Unknown fields are ignored
// so workers may extend their events without breaking the master.
type Event struct {
	Status  int     `json:"status"`
	Message string  `json:"message,omitempty"`
	Result  *Result `json:"result,omitempty"`
}

// Result carries partial or final recognition output.
type Result struct {
	Final      bool         `json:"final"`
	Hypotheses []Hypothesis `json:"hypotheses"`
}

// Hypothesis is one candidate transcript for a segment of audio.
type Hypothesis struct {
	Transcript string  `json:"transcript"`
	Likelihood float64 `json:"likelihood,omitempty"`
}

// StatusFrame is the JSON snapshot broadcast to status observers.
type StatusFrame struct {
	NumWorkersAvailable  int    `json:"num_workers_available"`
	NumRequestsProcessed uint64 `json:"num_requests_processed"`
}

// RecognizeResponse is the single JSON reply of the chunked HTTP endpoint.
type RecognizeResponse struct {
	Status     int                   `json:"status"`
	ID         string                `json:"id"`
	Hypotheses []RecognizeHypothesis `json:"hypotheses"`
}

// RecognizeHypothesis holds the accumulated final transcript.
type RecognizeHypothesis struct {
	Utterance string `json:"utterance"`
}
