// Package report parses report submissions and translates them into
// idempotent graph operations. Parsing is strict: unknown fields are
// rejected before any storage operation is attempted.
package report

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/archodex/backend/pkg/apierror"
	"github.com/archodex/backend/pkg/graph"
	"github.com/archodex/backend/pkg/resource"
)

// ResourceTreeNode is one node of a submitted resource forest. Children
// under contains extend this node's identity path unless they declare
// themselves globally unique.
type ResourceTreeNode struct {
	Type           string             `json:"type"`
	ID             string             `json:"id"`
	GloballyUnique bool               `json:"globally_unique,omitempty"`
	FirstSeenAt    time.Time          `json:"first_seen_at"`
	LastSeenAt     time.Time          `json:"last_seen_at"`
	Attributes     map[string]any     `json:"attributes,omitempty"`
	Contains       []ResourceTreeNode `json:"contains,omitempty"`
}

// CapturedEvent is one observed event type with its time bounds.
type CapturedEvent struct {
	Type        string    `json:"type"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// EventCapture groups one observed principal chain with the resources
// it acted on and the event types observed. The principals sequence,
// taken as a whole, is one chain.
type EventCapture struct {
	Principals []graph.PrincipalChainIDPart `json:"principals"`
	Resources  []resource.ID                `json:"resources"`
	Events     []CapturedEvent              `json:"events"`
}

// Request is one report submission.
type Request struct {
	ResourceCaptures []ResourceTreeNode `json:"resource_captures"`
	EventCaptures    []EventCapture     `json:"event_captures"`
}

// ParseRequest decodes and validates a report payload. Unknown fields
// anywhere in the document are rejected.
func ParseRequest(data []byte) (*Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, apierror.BadRequest("invalid report payload: %w", err)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *Request) validate() error {
	for i := range r.ResourceCaptures {
		if err := r.ResourceCaptures[i].validate(); err != nil {
			return err
		}
	}
	for i := range r.EventCaptures {
		if err := r.EventCaptures[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (n *ResourceTreeNode) validate() error {
	if n.Type == "" || n.ID == "" {
		return apierror.BadRequest("resource capture node must have both type and id")
	}
	if n.FirstSeenAt.IsZero() || n.LastSeenAt.IsZero() {
		return apierror.BadRequest("resource capture node %q must have first_seen_at and last_seen_at", n.ID)
	}
	for i := range n.Contains {
		if err := n.Contains[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *EventCapture) validate() error {
	if len(c.Principals) == 0 {
		return apierror.BadRequest("event capture must have at least one principal")
	}
	if len(c.Resources) == 0 {
		return apierror.BadRequest("event capture must have at least one resource")
	}
	if len(c.Events) == 0 {
		return apierror.BadRequest("event capture must have at least one event")
	}
	for _, p := range c.Principals {
		if len(p.ID) == 0 {
			return apierror.BadRequest("event capture principal must have a non-empty id")
		}
	}
	for _, id := range c.Resources {
		if len(id) == 0 {
			return apierror.BadRequest("event capture resource id must not be empty")
		}
	}
	for _, ev := range c.Events {
		if ev.Type == "" {
			return apierror.BadRequest("event capture event must have a type")
		}
		if ev.FirstSeenAt.IsZero() || ev.LastSeenAt.IsZero() {
			return apierror.BadRequest("event capture event %q must have first_seen_at and last_seen_at", ev.Type)
		}
	}
	return nil
}

// OperationBatch receives the graph operations a report translates to.
// Implementations accumulate the operations for a single atomic
// submission.
type OperationBatch interface {
	UpsertResource(id resource.ID, firstSeenAt, lastSeenAt time.Time)
	MergeResourceAttributes(id resource.ID, attrs map[string]any)
	UpsertPrincipalChain(id graph.PrincipalChainID, firstSeenAt, lastSeenAt time.Time)
	UpsertEvent(principal resource.ID, eventType string, target resource.ID, chain graph.PrincipalChainID, direct bool, firstSeenAt, lastSeenAt time.Time)
}

// Apply translates the whole request into operations on batch. The
// caller submits the batch atomically afterwards.
func (r *Request) Apply(batch OperationBatch) {
	for i := range r.ResourceCaptures {
		upsertTree(batch, nil, &r.ResourceCaptures[i])
	}
	for i := range r.EventCaptures {
		accumulateCapture(batch, &r.EventCaptures[i])
	}
}

// upsertTree walks one node depth-first, carrying the identity path
// prefix. The prefix is cloned before extension so sibling subtrees
// never alias each other's paths.
func upsertTree(batch OperationBatch, prefix resource.ID, node *ResourceTreeNode) {
	var id resource.ID
	if node.GloballyUnique {
		// A globally unique node discards the discovery path, including
		// any outer global prefix, and roots its own subtree.
		id = resource.ID{{Type: node.Type, ID: node.ID}}
	} else {
		id = append(prefix.Clone(), resource.IDPart{Type: node.Type, ID: node.ID})
	}

	batch.UpsertResource(id, node.FirstSeenAt, node.LastSeenAt)
	if len(node.Attributes) > 0 {
		batch.MergeResourceAttributes(id, node.Attributes)
	}

	for i := range node.Contains {
		upsertTree(batch, id, &node.Contains[i])
	}
}

// accumulateCapture emits one chain upsert plus one event upsert per
// (principal, resource, event) triple in the capture's cross-product.
// The chain's time bounds span the capture's whole event list.
func accumulateCapture(batch OperationBatch, capture *EventCapture) {
	chainFirst := capture.Events[0].FirstSeenAt
	chainLast := capture.Events[0].LastSeenAt
	for _, ev := range capture.Events[1:] {
		if ev.FirstSeenAt.Before(chainFirst) {
			chainFirst = ev.FirstSeenAt
		}
		if ev.LastSeenAt.After(chainLast) {
			chainLast = ev.LastSeenAt
		}
	}

	chain := graph.PrincipalChainID(capture.Principals)
	batch.UpsertPrincipalChain(chain, chainFirst, chainLast)

	last := capture.Principals[len(capture.Principals)-1]
	for _, principal := range capture.Principals {
		direct := principal.Equal(last)
		for _, target := range capture.Resources {
			for _, ev := range capture.Events {
				batch.UpsertEvent(principal.ID, ev.Type, target, chain, direct, ev.FirstSeenAt, ev.LastSeenAt)
			}
		}
	}
}
