// Package query assembles read-only graph snapshots. Filters are named
// and pre-defined; clients select one, they never supply predicates.
package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/archodex/backend/pkg/apierror"
	"github.com/archodex/backend/pkg/graph"
	"github.com/archodex/backend/pkg/resource"
	"github.com/archodex/backend/pkg/store"
)

// Filter selects which slice of the graph a snapshot covers.
type Filter string

const (
	// FilterAll covers every stored resource and event.
	FilterAll Filter = "all"
	// FilterSecrets restricts resources to identity paths containing a
	// Secret part, and events to edges targeting such resources.
	FilterSecrets Filter = "secrets"
)

// ParseFilter resolves a client-supplied filter name.
func ParseFilter(name string) (Filter, error) {
	switch Filter(name) {
	case FilterAll:
		return FilterAll, nil
	case FilterSecrets:
		return FilterSecrets, nil
	default:
		return "", apierror.BadRequest("unknown query filter %q", name)
	}
}

// The sentinel empty-path root is never part of a snapshot.
const sentinelRootKey = "[]"

const secretResourcePredicate = `EXISTS (
	SELECT 1 FROM json_each(resource.id)
	WHERE json_extract(json_each.value, '$[0]') = 'Secret')`

const secretEventPredicate = `EXISTS (
	SELECT 1 FROM json_each(event.resource)
	WHERE json_extract(json_each.value, '$[0]') = 'Secret')`

// Snapshot assembles the graph snapshot for the given filter inside one
// read-only transaction, then resolves global container ancestry over
// every referenced identity.
func Snapshot(ctx context.Context, st *store.Store, filter Filter) (*graph.Snapshot, error) {
	var snap *graph.Snapshot
	err := st.ReadOnly(ctx, func(q store.Querier) error {
		resources, err := queryResources(ctx, q, filter)
		if err != nil {
			return err
		}
		events, err := queryEvents(ctx, q, filter)
		if err != nil {
			return err
		}
		containers, err := resolveGlobalContainers(ctx, q, resources, events)
		if err != nil {
			return err
		}
		snap = &graph.Snapshot{
			Resources:        resources,
			Events:           events,
			GlobalContainers: containers,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func queryResources(ctx context.Context, q store.Querier, filter Filter) ([]resource.Resource, error) {
	query := `SELECT id, environments, first_seen_at, last_seen_at, attributes
		FROM resource WHERE id != ?`
	if filter == FilterSecrets {
		query += ` AND ` + secretResourcePredicate
	}
	query += ` ORDER BY id`

	rows, err := q.QueryContext(ctx, query, sentinelRootKey)
	if err != nil {
		return nil, apierror.Internal("failed to query resources: %w", err)
	}
	defer rows.Close()

	resources := []resource.Resource{}
	for rows.Next() {
		var (
			key         string
			envsJSON    string
			firstSeenAt sql.NullInt64
			lastSeenAt  sql.NullInt64
			attrsJSON   sql.NullString
		)
		if err := rows.Scan(&key, &envsJSON, &firstSeenAt, &lastSeenAt, &attrsJSON); err != nil {
			return nil, apierror.Internal("failed to scan resource: %w", err)
		}
		id, err := resource.DecodeKey(key)
		if err != nil {
			return nil, apierror.Internal("stored resource has malformed identity %q: %w", key, err)
		}
		res := resource.Resource{ID: id}
		if err := json.Unmarshal([]byte(envsJSON), &res.Environments); err != nil {
			return nil, apierror.Internal("stored resource %q has malformed environments: %w", key, err)
		}
		if firstSeenAt.Valid {
			t := fromMillis(firstSeenAt.Int64)
			res.FirstSeenAt = &t
		}
		if lastSeenAt.Valid {
			t := fromMillis(lastSeenAt.Int64)
			res.LastSeenAt = &t
		}
		if attrsJSON.Valid && attrsJSON.String != "" {
			if err := json.Unmarshal([]byte(attrsJSON.String), &res.Attributes); err != nil {
				return nil, apierror.Internal("stored resource %q has malformed attributes: %w", key, err)
			}
		}
		resources = append(resources, res)
	}
	return resources, rows.Err()
}

func queryEvents(ctx context.Context, q store.Querier, filter Filter) ([]graph.Event, error) {
	query := `SELECT principal, resource, type, principal_chains, has_direct_principal_chain,
		first_seen_at, last_seen_at FROM event`
	if filter == FilterSecrets {
		query += ` WHERE ` + secretEventPredicate
	}
	query += ` ORDER BY principal, resource, type`

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, apierror.Internal("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []graph.Event
	for rows.Next() {
		var (
			principalKey string
			resourceKey  string
			chainsJSON   string
			firstSeenAt  int64
			lastSeenAt   int64
			event        graph.Event
		)
		if err := rows.Scan(&principalKey, &resourceKey, &event.Type, &chainsJSON,
			&event.HasDirectPrincipalChain, &firstSeenAt, &lastSeenAt); err != nil {
			return nil, apierror.Internal("failed to scan event: %w", err)
		}
		if event.Principal, err = resource.DecodeKey(principalKey); err != nil {
			return nil, apierror.Internal("stored event has malformed principal %q: %w", principalKey, err)
		}
		if event.Resource, err = resource.DecodeKey(resourceKey); err != nil {
			return nil, apierror.Internal("stored event has malformed resource %q: %w", resourceKey, err)
		}
		var chainKeys []string
		if err := json.Unmarshal([]byte(chainsJSON), &chainKeys); err != nil {
			return nil, apierror.Internal("stored event has malformed principal_chains: %w", err)
		}
		for _, chainKey := range chainKeys {
			chain, err := graph.DecodePrincipalChainKey(chainKey)
			if err != nil {
				return nil, apierror.Internal("stored event has malformed chain key %q: %w", chainKey, err)
			}
			event.PrincipalChains = append(event.PrincipalChains, chain)
		}
		event.FirstSeenAt = fromMillis(firstSeenAt)
		event.LastSeenAt = fromMillis(lastSeenAt)
		events = append(events, event)
	}
	return events, rows.Err()
}

// resolveGlobalContainers connects every referenced multi-part identity
// to its root container, when that root exists as a resource of its
// own. Roots exist as standalone resources exactly when they were
// declared globally unique at ingestion.
func resolveGlobalContainers(ctx context.Context, q store.Querier, resources []resource.Resource, events []graph.Event) ([]graph.GlobalContainer, error) {
	referenced := make(map[string]resource.ID)
	add := func(id resource.ID) {
		if len(id) > 1 {
			referenced[id.Key()] = id
		}
	}
	for _, res := range resources {
		add(res.ID)
	}
	for _, event := range events {
		add(event.Principal)
		add(event.Resource)
	}

	containers := []graph.GlobalContainer{}
	seen := make(map[string]bool)
	for _, id := range referenced {
		root := id[:1]
		rootKey := root.Key()
		pair := rootKey + "\x00" + id.Key()
		if seen[pair] {
			continue
		}
		seen[pair] = true

		var exists bool
		err := q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM resource WHERE id = ?)`, rootKey,
		).Scan(&exists)
		if err != nil {
			return nil, apierror.Internal("failed to resolve global container %q: %w", rootKey, err)
		}
		if exists {
			containers = append(containers, graph.GlobalContainer{ID: root.Clone(), Contains: id})
		}
	}
	return containers, nil
}

// PrincipalChain looks up one stored chain record by its id.
func PrincipalChain(ctx context.Context, st *store.Store, id graph.PrincipalChainID) (*graph.PrincipalChain, error) {
	var chain *graph.PrincipalChain
	err := st.ReadOnly(ctx, func(q store.Querier) error {
		row := q.QueryRowContext(ctx,
			`SELECT first_seen_at, last_seen_at FROM principal_chain WHERE id = ?`, id.Key())
		var firstSeenAt, lastSeenAt int64
		err := row.Scan(&firstSeenAt, &lastSeenAt)
		if errors.Is(err, sql.ErrNoRows) {
			return apierror.NotFound("principal chain not found")
		}
		if err != nil {
			return apierror.Internal("failed to load principal chain: %w", err)
		}
		chain = &graph.PrincipalChain{
			ID:          id,
			FirstSeenAt: fromMillis(firstSeenAt),
			LastSeenAt:  fromMillis(lastSeenAt),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
