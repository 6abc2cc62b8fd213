package report

import (
	"testing"
	"time"

	"github.com/archodex/backend/pkg/apierror"
	"github.com/archodex/backend/pkg/graph"
	"github.com/archodex/backend/pkg/resource"
)

// recordingBatch captures emitted operations for assertions.
type recordingBatch struct {
	resources []resourceOp
	attrs     []attrsOp
	chains    []chainOp
	events    []eventOp
}

type resourceOp struct {
	id          resource.ID
	first, last time.Time
}

type attrsOp struct {
	id    resource.ID
	attrs map[string]any
}

type chainOp struct {
	id          graph.PrincipalChainID
	first, last time.Time
}

type eventOp struct {
	principal   resource.ID
	eventType   string
	target      resource.ID
	chain       graph.PrincipalChainID
	direct      bool
	first, last time.Time
}

func (b *recordingBatch) UpsertResource(id resource.ID, first, last time.Time) {
	b.resources = append(b.resources, resourceOp{id, first, last})
}

func (b *recordingBatch) MergeResourceAttributes(id resource.ID, attrs map[string]any) {
	b.attrs = append(b.attrs, attrsOp{id, attrs})
}

func (b *recordingBatch) UpsertPrincipalChain(id graph.PrincipalChainID, first, last time.Time) {
	b.chains = append(b.chains, chainOp{id, first, last})
}

func (b *recordingBatch) UpsertEvent(principal resource.ID, eventType string, target resource.ID, chain graph.PrincipalChainID, direct bool, first, last time.Time) {
	b.events = append(b.events, eventOp{principal, eventType, target, chain, direct, first, last})
}

var (
	t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func TestParseRequestStrict(t *testing.T) {
	valid := `{
		"resource_captures": [
			{"type": "Host", "id": "h1", "first_seen_at": "2025-06-01T00:00:00Z", "last_seen_at": "2025-06-01T01:00:00Z"}
		],
		"event_captures": []
	}`
	if _, err := ParseRequest([]byte(valid)); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	cases := map[string]string{
		"unknown top-level field": `{"resource_captures": [], "event_captures": [], "extra": 1}`,
		"unknown node field":      `{"resource_captures": [{"type": "Host", "id": "h1", "first_seen_at": "2025-06-01T00:00:00Z", "last_seen_at": "2025-06-01T01:00:00Z", "color": "red"}], "event_captures": []}`,
		"missing node id":         `{"resource_captures": [{"type": "Host", "first_seen_at": "2025-06-01T00:00:00Z", "last_seen_at": "2025-06-01T01:00:00Z"}], "event_captures": []}`,
		"missing node timestamps": `{"resource_captures": [{"type": "Host", "id": "h1"}], "event_captures": []}`,
		"not json":                `nope`,
	}
	for name, payload := range cases {
		if _, err := ParseRequest([]byte(payload)); err == nil {
			t.Errorf("%s: should have been rejected", name)
		} else if !apierror.IsKind(err, apierror.KindBadRequest) {
			t.Errorf("%s: error kind = %v, want bad_request", name, apierror.KindOf(err))
		}
	}
}

func TestParseRequestEventCaptureValidation(t *testing.T) {
	cases := map[string]string{
		"no principals": `{"principals": [], "resources": [[["Secret","s1"]]], "events": [{"type":"Read","first_seen_at":"2025-06-01T00:00:00Z","last_seen_at":"2025-06-01T00:00:00Z"}]}`,
		"no resources":  `{"principals": [{"id":[["User","u1"]]}], "resources": [], "events": [{"type":"Read","first_seen_at":"2025-06-01T00:00:00Z","last_seen_at":"2025-06-01T00:00:00Z"}]}`,
		"no events":     `{"principals": [{"id":[["User","u1"]]}], "resources": [[["Secret","s1"]]], "events": []}`,
		"untyped event": `{"principals": [{"id":[["User","u1"]]}], "resources": [[["Secret","s1"]]], "events": [{"first_seen_at":"2025-06-01T00:00:00Z","last_seen_at":"2025-06-01T00:00:00Z"}]}`,
	}
	for name, capture := range cases {
		payload := []byte(`{"resource_captures": [], "event_captures": [` + capture + `]}`)
		if _, err := ParseRequest(payload); err == nil {
			t.Errorf("%s: should have been rejected", name)
		}
	}
}

func TestUpsertTreePrefixes(t *testing.T) {
	req := &Request{
		ResourceCaptures: []ResourceTreeNode{{
			Type: "Host", ID: "h1", FirstSeenAt: t0, LastSeenAt: t1,
			Contains: []ResourceTreeNode{
				{Type: "Container", ID: "c1", FirstSeenAt: t0, LastSeenAt: t1},
				{Type: "Container", ID: "c2", FirstSeenAt: t0, LastSeenAt: t1,
					Contains: []ResourceTreeNode{
						{Type: "Process", ID: "p1", FirstSeenAt: t0, LastSeenAt: t1},
					}},
			},
		}},
	}

	b := &recordingBatch{}
	req.Apply(b)

	want := []string{
		`[["Host","h1"]]`,
		`[["Host","h1"],["Container","c1"]]`,
		`[["Host","h1"],["Container","c2"]]`,
		`[["Host","h1"],["Container","c2"],["Process","p1"]]`,
	}
	if len(b.resources) != len(want) {
		t.Fatalf("got %d resource ops, want %d", len(b.resources), len(want))
	}
	for i, op := range b.resources {
		if op.id.Key() != want[i] {
			t.Errorf("op %d id = %s, want %s", i, op.id.Key(), want[i])
		}
	}
}

func TestUpsertTreeSiblingsDoNotAlias(t *testing.T) {
	// Two sibling subtrees of different depths share a prefix; extending
	// one must never leak into the other.
	req := &Request{
		ResourceCaptures: []ResourceTreeNode{{
			Type: "Host", ID: "h1", FirstSeenAt: t0, LastSeenAt: t1,
			Contains: []ResourceTreeNode{
				{Type: "A", ID: "a", FirstSeenAt: t0, LastSeenAt: t1,
					Contains: []ResourceTreeNode{{Type: "Deep", ID: "d", FirstSeenAt: t0, LastSeenAt: t1}}},
				{Type: "B", ID: "b", FirstSeenAt: t0, LastSeenAt: t1},
			},
		}},
	}

	b := &recordingBatch{}
	req.Apply(b)

	last := b.resources[len(b.resources)-1]
	if last.id.Key() != `[["Host","h1"],["B","b"]]` {
		t.Errorf("sibling path corrupted: %s", last.id.Key())
	}
}

func TestUpsertTreeGloballyUnique(t *testing.T) {
	req := &Request{
		ResourceCaptures: []ResourceTreeNode{{
			Type: "Host", ID: "h1", FirstSeenAt: t0, LastSeenAt: t1,
			Contains: []ResourceTreeNode{{
				Type: "VPC", ID: "v1", FirstSeenAt: t0, LastSeenAt: t1,
				Contains: []ResourceTreeNode{{
					Type: "Service Endpoint", ID: "api.example.com", GloballyUnique: true,
					FirstSeenAt: t0, LastSeenAt: t1,
					Contains: []ResourceTreeNode{
						{Type: "Path", ID: "/v1", FirstSeenAt: t0, LastSeenAt: t1},
						// Nested global reset discards the outer global prefix too.
						{Type: "Registry", ID: "docker.io", GloballyUnique: true, FirstSeenAt: t0, LastSeenAt: t1},
					},
				}},
			}},
		}},
	}

	b := &recordingBatch{}
	req.Apply(b)

	keys := make([]string, len(b.resources))
	for i, op := range b.resources {
		keys[i] = op.id.Key()
	}

	want := []string{
		`[["Host","h1"]]`,
		`[["Host","h1"],["VPC","v1"]]`,
		`[["Service Endpoint","api.example.com"]]`,
		`[["Service Endpoint","api.example.com"],["Path","/v1"]]`,
		`[["Registry","docker.io"]]`,
	}
	if len(keys) != len(want) {
		t.Fatalf("got %d ops: %v", len(keys), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("op %d = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestUpsertTreeAttributes(t *testing.T) {
	req := &Request{
		ResourceCaptures: []ResourceTreeNode{{
			Type: "Host", ID: "h1", FirstSeenAt: t0, LastSeenAt: t1,
			Attributes: map[string]any{"os": "linux"},
			Contains: []ResourceTreeNode{
				{Type: "Container", ID: "c1", FirstSeenAt: t0, LastSeenAt: t1},
			},
		}},
	}

	b := &recordingBatch{}
	req.Apply(b)

	if len(b.attrs) != 1 {
		t.Fatalf("got %d attribute ops, want 1", len(b.attrs))
	}
	if b.attrs[0].id.Key() != `[["Host","h1"]]` || b.attrs[0].attrs["os"] != "linux" {
		t.Errorf("attribute op = %+v", b.attrs[0])
	}
}

func TestAccumulateCapture(t *testing.T) {
	userID := resource.Parts("User", "u1")
	roleID := resource.Parts("Role", "r1")
	secretA := resource.Parts("Secret", "sa")
	secretB := resource.Parts("Secret", "sb")

	req := &Request{
		EventCaptures: []EventCapture{{
			Principals: []graph.PrincipalChainIDPart{
				{ID: userID, Event: "AssumeRole"},
				{ID: roleID},
			},
			Resources: []resource.ID{secretA, secretB},
			Events: []CapturedEvent{
				{Type: "Read", FirstSeenAt: t1, LastSeenAt: t1},
				{Type: "Write", FirstSeenAt: t0, LastSeenAt: t2},
			},
		}},
	}

	b := &recordingBatch{}
	req.Apply(b)

	// Chain bounds span the whole capture's event list.
	if len(b.chains) != 1 {
		t.Fatalf("got %d chain ops, want 1", len(b.chains))
	}
	if !b.chains[0].first.Equal(t0) || !b.chains[0].last.Equal(t2) {
		t.Errorf("chain bounds = (%v, %v), want (%v, %v)", b.chains[0].first, b.chains[0].last, t0, t2)
	}

	// Full cross-product: 2 principals x 2 resources x 2 events.
	if len(b.events) != 8 {
		t.Fatalf("got %d event ops, want 8", len(b.events))
	}

	chainKey := b.chains[0].id.Key()
	for _, op := range b.events {
		if op.chain.Key() != chainKey {
			t.Errorf("event op carries wrong chain: %s", op.chain.Key())
		}
		wantDirect := op.principal.Equal(roleID)
		if op.direct != wantDirect {
			t.Errorf("principal %s direct = %v, want %v", op.principal, op.direct, wantDirect)
		}
	}
}

func TestAccumulateDirectMatchesFullPart(t *testing.T) {
	// The same resource id appearing twice with different event
	// annotations: only the hop equal to the last element by full value
	// is direct.
	id := resource.Parts("User", "u1")
	req := &Request{
		EventCaptures: []EventCapture{{
			Principals: []graph.PrincipalChainIDPart{
				{ID: id, Event: "Hop"},
				{ID: id},
			},
			Resources: []resource.ID{resource.Parts("Secret", "s1")},
			Events:    []CapturedEvent{{Type: "Read", FirstSeenAt: t0, LastSeenAt: t0}},
		}},
	}

	b := &recordingBatch{}
	req.Apply(b)

	if len(b.events) != 2 {
		t.Fatalf("got %d event ops, want 2", len(b.events))
	}
	if b.events[0].direct {
		t.Error("annotated hop should not be direct")
	}
	if !b.events[1].direct {
		t.Error("final hop should be direct")
	}
}
