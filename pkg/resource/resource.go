package resource

import "time"

// Resource is a node of the graph. Created on first observation in any
// report; last_seen_at only advances on re-observation; environments are
// assigned by an explicit operation, never by ingestion.
type Resource struct {
	ID           ID             `json:"id"`
	Environments []string       `json:"environments,omitempty"`
	FirstSeenAt  *time.Time     `json:"first_seen_at,omitempty"`
	LastSeenAt   *time.Time     `json:"last_seen_at,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}
