package query

import (
	"context"
	"testing"
	"time"

	"github.com/archodex/backend/pkg/apierror"
	"github.com/archodex/backend/pkg/graph"
	"github.com/archodex/backend/pkg/resource"
	"github.com/archodex/backend/pkg/store"
)

var (
	seedT0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedT1 = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
)

var (
	hostID      = resource.Parts("Host", "h1")
	containerID = resource.Parts("Host", "h1", "Container", "c1")
	vaultID     = resource.Parts("Vault", "v1")
	secretID    = resource.Parts("Vault", "v1", "Secret", "s1")
	userID      = resource.Parts("User", "u1")
	orphanID    = resource.Parts("Cluster", "k1", "Pod", "p1")
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(t.TempDir() + "/graph.db")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// seedGraph ingests a small graph: a host containing a container, a
// vault containing a secret, a user principal, and an orphan pod whose
// cluster root was never captured on its own.
func seedGraph(t *testing.T, st *store.Store) {
	t.Helper()

	batch := store.NewBatch()
	batch.UpsertResource(resource.ID{}, seedT0, seedT1)
	for _, id := range []resource.ID{hostID, containerID, vaultID, secretID, userID, orphanID} {
		batch.UpsertResource(id, seedT0, seedT1)
	}
	batch.MergeResourceAttributes(hostID, map[string]any{"os": "linux"})

	userChain := graph.PrincipalChainID{{ID: userID}}
	batch.UpsertPrincipalChain(userChain, seedT0, seedT1)
	batch.UpsertEvent(userID, "Read", secretID, userChain, true, seedT0, seedT1)
	batch.UpsertEvent(userID, "Connect", containerID, userChain, true, seedT0, seedT1)

	if err := st.Submit(context.Background(), batch); err != nil {
		t.Fatalf("failed to seed graph: %v", err)
	}
	if err := st.SetResourceEnvironments(context.Background(), hostID, []string{"prod"}); err != nil {
		t.Fatalf("failed to set environments: %v", err)
	}
}

func resourceByKey(snap *graph.Snapshot, key string) *resource.Resource {
	for i := range snap.Resources {
		if snap.Resources[i].ID.Key() == key {
			return &snap.Resources[i]
		}
	}
	return nil
}

func hasContainer(snap *graph.Snapshot, root, contains resource.ID) bool {
	for _, gc := range snap.GlobalContainers {
		if gc.ID.Equal(root) && gc.Contains.Equal(contains) {
			return true
		}
	}
	return false
}

func TestParseFilter(t *testing.T) {
	if f, err := ParseFilter("all"); err != nil || f != FilterAll {
		t.Errorf("ParseFilter(all) = %v, %v", f, err)
	}
	if f, err := ParseFilter("secrets"); err != nil || f != FilterSecrets {
		t.Errorf("ParseFilter(secrets) = %v, %v", f, err)
	}
	if _, err := ParseFilter("everything"); !apierror.IsKind(err, apierror.KindBadRequest) {
		t.Errorf("ParseFilter(everything) error = %v, want bad_request", err)
	}
}

func TestSnapshotAll(t *testing.T) {
	st := newTestStore(t)
	seedGraph(t, st)

	snap, err := Snapshot(context.Background(), st, FilterAll)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if len(snap.Resources) != 6 {
		t.Fatalf("got %d resources, want 6 (sentinel root must be excluded)", len(snap.Resources))
	}
	for _, res := range snap.Resources {
		if len(res.ID) == 0 {
			t.Fatal("sentinel root leaked into snapshot")
		}
	}

	host := resourceByKey(snap, hostID.Key())
	if host == nil {
		t.Fatal("host resource missing from snapshot")
	}
	if len(host.Environments) != 1 || host.Environments[0] != "prod" {
		t.Errorf("host environments = %v, want [prod]", host.Environments)
	}
	if host.Attributes["os"] != "linux" {
		t.Errorf("host attributes = %v", host.Attributes)
	}
	if host.FirstSeenAt == nil || !host.FirstSeenAt.Equal(seedT0) {
		t.Errorf("host first_seen_at = %v, want %v", host.FirstSeenAt, seedT0)
	}

	if len(snap.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(snap.Events))
	}
	for _, event := range snap.Events {
		if !event.Principal.Equal(userID) {
			t.Errorf("event principal = %s, want %s", event.Principal, userID)
		}
		if len(event.PrincipalChains) != 1 {
			t.Errorf("event %s has %d chains, want 1", event.Type, len(event.PrincipalChains))
		}
		if !event.HasDirectPrincipalChain {
			t.Errorf("event %s should be direct", event.Type)
		}
		if !event.FirstSeenAt.Equal(seedT0) || !event.LastSeenAt.Equal(seedT1) {
			t.Errorf("event %s timestamps = %v..%v", event.Type, event.FirstSeenAt, event.LastSeenAt)
		}
	}

	if !hasContainer(snap, hostID, containerID) {
		t.Error("missing global container host -> container")
	}
	if !hasContainer(snap, vaultID, secretID) {
		t.Error("missing global container vault -> secret")
	}
	if hasContainer(snap, orphanID[:1], orphanID) {
		t.Error("orphan pod resolved a container although its cluster root is not a resource")
	}
}

func TestSnapshotSecrets(t *testing.T) {
	st := newTestStore(t)
	seedGraph(t, st)

	snap, err := Snapshot(context.Background(), st, FilterSecrets)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if len(snap.Resources) != 1 {
		t.Fatalf("got %d resources, want 1", len(snap.Resources))
	}
	if !snap.Resources[0].ID.Equal(secretID) {
		t.Errorf("resource = %s, want %s", snap.Resources[0].ID, secretID)
	}

	if len(snap.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(snap.Events))
	}
	if snap.Events[0].Type != "Read" || !snap.Events[0].Resource.Equal(secretID) {
		t.Errorf("event = %s on %s, want Read on %s",
			snap.Events[0].Type, snap.Events[0].Resource, secretID)
	}

	// The event principal is a referenced identity too, but a single-part
	// one, so only the secret's vault ancestry resolves.
	if !hasContainer(snap, vaultID, secretID) {
		t.Error("missing global container vault -> secret")
	}
	if len(snap.GlobalContainers) != 1 {
		t.Errorf("got %d global containers, want 1", len(snap.GlobalContainers))
	}
}

func TestSnapshotEmptyStore(t *testing.T) {
	st := newTestStore(t)

	snap, err := Snapshot(context.Background(), st, FilterAll)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap.Resources) != 0 || len(snap.Events) != 0 || len(snap.GlobalContainers) != 0 {
		t.Errorf("empty store snapshot = %+v", snap)
	}
}

func TestPrincipalChain(t *testing.T) {
	st := newTestStore(t)
	seedGraph(t, st)

	userChain := graph.PrincipalChainID{{ID: userID}}
	chain, err := PrincipalChain(context.Background(), st, userChain)
	if err != nil {
		t.Fatalf("PrincipalChain failed: %v", err)
	}
	if chain.ID.Key() != userChain.Key() {
		t.Errorf("chain id = %s, want %s", chain.ID.Key(), userChain.Key())
	}
	if !chain.FirstSeenAt.Equal(seedT0) || !chain.LastSeenAt.Equal(seedT1) {
		t.Errorf("chain timestamps = %v..%v", chain.FirstSeenAt, chain.LastSeenAt)
	}

	missing := graph.PrincipalChainID{{ID: resource.Parts("User", "nobody")}}
	if _, err := PrincipalChain(context.Background(), st, missing); !apierror.IsKind(err, apierror.KindNotFound) {
		t.Errorf("missing chain error = %v, want not_found", err)
	}
}
