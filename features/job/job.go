package job

import (
	"encoding/json"
	"time"
)

// Job is an asynchronous ingestion message that failed permanently.
type Job struct {
	ID        string          `json:"id"`
	IndexID   string          `json:"index_id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Retries   int             `json:"retries"`
	CreatedAt time.Time       `json:"created_at"`
}
