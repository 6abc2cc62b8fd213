// Package resource defines the hierarchical resource identity scheme and
// the resource record stored in the graph.
package resource

import (
	"encoding/json"
	"fmt"

	"github.com/archodex/backend/pkg/apierror"
)

// IDPart is one step of a resource identity path: a (type, id) pair.
type IDPart struct {
	Type string
	ID   string
}

// MarshalJSON emits the object form {"type":...,"id":...}.
func (p IDPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}{p.Type, p.ID})
}

// UnmarshalJSON accepts either the object form {"type":...,"id":...} or
// the engine-native tuple form ["type","id"].
func (p *IDPart) UnmarshalJSON(data []byte) error {
	var obj struct {
		Type *string `json:"type"`
		ID   *string `json:"id"`
	}
	if err := strictUnmarshal(data, &obj); err == nil {
		if obj.Type == nil || obj.ID == nil {
			return apierror.BadRequest("resource id part must have both type and id")
		}
		p.Type, p.ID = *obj.Type, *obj.ID
		return nil
	}

	var tuple []string
	if err := json.Unmarshal(data, &tuple); err != nil {
		return apierror.BadRequest("resource id part must be a {type, id} object or a two-element string array")
	}
	if len(tuple) != 2 {
		return apierror.BadRequest("resource id part array must have exactly two string elements, got %d", len(tuple))
	}
	p.Type, p.ID = tuple[0], tuple[1]
	return nil
}

// ID is an ordered path of IDParts, from a root container down to the
// resource itself. Ordering is the identity: the same parts in a
// different order name a different resource.
type ID []IDPart

// Parts builds an ID from alternating (type, id) pairs. Test and
// construction helper.
func Parts(pairs ...string) ID {
	if len(pairs)%2 != 0 {
		panic("resource.Parts requires an even number of arguments")
	}
	id := make(ID, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		id = append(id, IDPart{Type: pairs[i], ID: pairs[i+1]})
	}
	return id
}

// Equal reports structural equality.
func (id ID) Equal(other ID) bool {
	if len(id) != len(other) {
		return false
	}
	for i := range id {
		if id[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy. Callers extending a shared path
// prefix must clone first so sibling subtrees never alias each other.
func (id ID) Clone() ID {
	out := make(ID, len(id))
	copy(out, id)
	return out
}

// Leaf returns the final part of the path.
func (id ID) Leaf() IDPart {
	return id[len(id)-1]
}

func (id ID) String() string {
	return id.Key()
}

// Key encodes the ID into the engine-native key text: a JSON array of
// two-element string arrays, e.g. `[["Host","h1"],["Container","c2"]]`.
// The encoding is deterministic, so key equality is identity equality.
func (id ID) Key() string {
	tuples := make([][2]string, len(id))
	for i, part := range id {
		tuples[i] = [2]string{part.Type, part.ID}
	}
	data, err := json.Marshal(tuples)
	if err != nil {
		// Marshalling string tuples cannot fail.
		panic(fmt.Sprintf("encoding resource id: %v", err))
	}
	return string(data)
}

// DecodeKey parses an engine-native key back into an ID. It fails with a
// malformed-identity error if the top-level value is not an array or any
// element is not a two-element array of strings. DecodeKey(id.Key()) is
// exact for every valid ID.
func DecodeKey(key string) (ID, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(key), &raw); err != nil {
		return nil, apierror.BadRequest("malformed resource identity: not an array")
	}
	id := make(ID, len(raw))
	for i, elem := range raw {
		var tuple []string
		if err := json.Unmarshal(elem, &tuple); err != nil {
			return nil, apierror.BadRequest("malformed resource identity: part %d is not an array of strings", i)
		}
		if len(tuple) != 2 {
			return nil, apierror.BadRequest("malformed resource identity: part %d has %d elements, want 2", i, len(tuple))
		}
		id[i] = IDPart{Type: tuple[0], ID: tuple[1]}
	}
	return id, nil
}

// UnmarshalJSON accepts an array of parts, each in either object or
// tuple form.
func (id *ID) UnmarshalJSON(data []byte) error {
	var parts []IDPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*id = parts
	return nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := newStrictDecoder(data)
	return dec.Decode(v)
}
