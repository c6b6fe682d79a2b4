package models

import (
	"encoding/json"
	"time"
)

type ActivityLevel string

const (
	ActivityInfo  ActivityLevel = "info"
	ActivityError ActivityLevel = "error"
)

// ActivityEntry is one line of the per-seller operational activity log.
type ActivityEntry struct {
	SellerID  int64           `json:"seller_id"`
	JobID     string          `json:"job_id,omitempty"`
	Level     ActivityLevel   `json:"level"`
	Action    string          `json:"action"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
