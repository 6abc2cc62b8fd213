// Package graph defines the access-graph records built by report
// ingestion: principal chains, event edges, and derived containment.
package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/archodex/backend/pkg/apierror"
	"github.com/archodex/backend/pkg/resource"
)

// PrincipalChainIDPart is a single hop of a causal chain: the acting
// resource, optionally annotated with the event type that caused the
// next hop.
type PrincipalChainIDPart struct {
	ID    resource.ID `json:"id"`
	Event string      `json:"event,omitempty"`
}

func (p PrincipalChainIDPart) Equal(other PrincipalChainIDPart) bool {
	return p.Event == other.Event && p.ID.Equal(other.ID)
}

// PrincipalChainID is the ordered hop sequence. Taken as a whole it is
// the primary key of a PrincipalChain record.
type PrincipalChainID []PrincipalChainIDPart

// Key encodes the chain ID into its engine-native key text: a JSON array
// of {"id": [[type,id],...], "event": ...} objects with the event key
// omitted when empty. Field order is fixed, so encoding is deterministic.
func (c PrincipalChainID) Key() string {
	parts := make([]json.RawMessage, len(c))
	for i, part := range c {
		idJSON := part.ID.Key()
		var enc string
		if part.Event == "" {
			enc = fmt.Sprintf(`{"id":%s}`, idJSON)
		} else {
			event, err := json.Marshal(part.Event)
			if err != nil {
				panic(fmt.Sprintf("encoding principal chain event: %v", err))
			}
			enc = fmt.Sprintf(`{"id":%s,"event":%s}`, idJSON, event)
		}
		parts[i] = json.RawMessage(enc)
	}
	data, err := json.Marshal(parts)
	if err != nil {
		panic(fmt.Sprintf("encoding principal chain id: %v", err))
	}
	return string(data)
}

// DecodePrincipalChainKey parses an engine-native chain key.
// DecodePrincipalChainKey(c.Key()) is exact for every valid chain ID.
func DecodePrincipalChainKey(key string) (PrincipalChainID, error) {
	var raw []struct {
		ID    json.RawMessage `json:"id"`
		Event string          `json:"event"`
	}
	dec := json.NewDecoder(strings.NewReader(key))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, apierror.BadRequest("malformed principal chain identity: not an array of {id, event} hops")
	}
	chain := make(PrincipalChainID, len(raw))
	for i, hop := range raw {
		if hop.ID == nil {
			return nil, apierror.BadRequest("malformed principal chain identity: hop %d missing id", i)
		}
		id, err := resource.DecodeKey(string(hop.ID))
		if err != nil {
			return nil, err
		}
		chain[i] = PrincipalChainIDPart{ID: id, Event: hop.Event}
	}
	return chain, nil
}

func (c PrincipalChainID) MarshalJSON() ([]byte, error) {
	return []byte(c.Key()), nil
}

func (c *PrincipalChainID) UnmarshalJSON(data []byte) error {
	chain, err := DecodePrincipalChainKey(string(data))
	if err != nil {
		return err
	}
	*c = chain
	return nil
}

// PrincipalChain is the stored chain record: the hop sequence plus the
// time range over which the chain has been observed.
type PrincipalChain struct {
	ID          PrincipalChainID `json:"id"`
	FirstSeenAt time.Time        `json:"first_seen_at"`
	LastSeenAt  time.Time        `json:"last_seen_at"`
}

// Event is a typed, time-bounded edge between a principal and a
// resource, annotated with every chain that produced it. Keyed by
// (principal, resource, type). The principal_chains set only grows, and
// has_direct_principal_chain only flips false to true.
type Event struct {
	Principal               resource.ID        `json:"principal"`
	Type                    string             `json:"type"`
	Resource                resource.ID        `json:"resource"`
	PrincipalChains         []PrincipalChainID `json:"principal_chains"`
	HasDirectPrincipalChain bool               `json:"has_direct_principal_chain"`
	FirstSeenAt             time.Time          `json:"first_seen_at"`
	LastSeenAt              time.Time          `json:"last_seen_at"`
}

// GlobalContainer is the derived, read-only relation connecting a root
// container resource to a descendant discovered through it. Computed at
// query time, never stored.
type GlobalContainer struct {
	ID       resource.ID `json:"id"`
	Contains resource.ID `json:"contains"`
}

// Snapshot is the result shape of the read-only graph queries.
type Snapshot struct {
	Resources        []resource.Resource `json:"resources"`
	Events           []Event             `json:"events,omitempty"`
	GlobalContainers []GlobalContainer   `json:"global_containers"`
}
