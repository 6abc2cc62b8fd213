package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/archodex/backend/pkg/apierror"
	"github.com/archodex/backend/pkg/graph"
	"github.com/archodex/backend/pkg/resource"
)

// Operation kinds, used in per-statement error reports and metrics.
const (
	OpResourceUpsert          = "resource_upsert"
	OpResourceAttributesMerge = "resource_attributes_merge"
	OpPrincipalChainUpsert    = "principal_chain_upsert"
	OpEventUpsert             = "event_upsert"
	OpSetEnvironments         = "set_environments"
)

type statement struct {
	op    string
	query string
	args  []any
}

// Batch accumulates upsert operations for one report submission. All
// statements in a batch execute inside one transaction: they commit
// together or not at all. Every operation is idempotent, so a failed
// batch is safe to retry wholesale.
type Batch struct {
	stmts []statement
}

// NewBatch returns an empty operation batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Len reports the number of queued statements.
func (b *Batch) Len() int {
	return len(b.stmts)
}

// UpsertResource queues the idempotent create-or-touch of a resource
// row. On conflict last_seen_at only advances (never regresses) and
// first_seen_at is left untouched.
func (b *Batch) UpsertResource(id resource.ID, firstSeenAt, lastSeenAt time.Time) {
	b.stmts = append(b.stmts, statement{
		op: OpResourceUpsert,
		query: `INSERT INTO resource (id, first_seen_at, last_seen_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			last_seen_at = coalesce(max(resource.last_seen_at, excluded.last_seen_at), excluded.last_seen_at)`,
		args: []any{id.Key(), toMillis(firstSeenAt), toMillis(lastSeenAt)},
	})
}

// MergeResourceAttributes queues a deep merge of attrs into the stored
// attribute map: overlapping keys are overwritten, keys absent from
// attrs are preserved.
func (b *Batch) MergeResourceAttributes(id resource.ID, attrs map[string]any) {
	patch, err := json.Marshal(attrs)
	if err != nil {
		// Attributes were decoded from JSON, so this cannot fail.
		patch = []byte("{}")
	}
	b.stmts = append(b.stmts, statement{
		op:    OpResourceAttributesMerge,
		query: `UPDATE resource SET attributes = json_patch(coalesce(attributes, '{}'), ?) WHERE id = ?`,
		args:  []any{string(patch), id.Key()},
	})
}

// UpsertPrincipalChain queues the create-or-touch of a chain record.
func (b *Batch) UpsertPrincipalChain(id graph.PrincipalChainID, firstSeenAt, lastSeenAt time.Time) {
	b.stmts = append(b.stmts, statement{
		op: OpPrincipalChainUpsert,
		query: `INSERT INTO principal_chain (id, first_seen_at, last_seen_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			last_seen_at = max(principal_chain.last_seen_at, excluded.last_seen_at)`,
		args: []any{id.Key(), toMillis(firstSeenAt), toMillis(lastSeenAt)},
	})
}

// UpsertEvent queues the create-or-extend of an event edge keyed by
// (principal, resource, type). On conflict the chain id is appended with
// set semantics, last_seen_at only advances, and the direct flag only
// flips false to true.
func (b *Batch) UpsertEvent(principal resource.ID, eventType string, target resource.ID, chain graph.PrincipalChainID, direct bool, firstSeenAt, lastSeenAt time.Time) {
	chainKey := chain.Key()
	b.stmts = append(b.stmts, statement{
		op: OpEventUpsert,
		query: `INSERT INTO event
			(principal, resource, type, principal_chains, has_direct_principal_chain, first_seen_at, last_seen_at)
			VALUES (?, ?, ?, json_array(?), ?, ?, ?)
			ON CONFLICT(principal, resource, type) DO UPDATE SET
			principal_chains = CASE
				WHEN EXISTS (SELECT 1 FROM json_each(event.principal_chains) WHERE value = ?)
					THEN event.principal_chains
				ELSE json_insert(event.principal_chains, '$[#]', ?)
			END,
			last_seen_at = max(event.last_seen_at, excluded.last_seen_at),
			has_direct_principal_chain = max(event.has_direct_principal_chain, excluded.has_direct_principal_chain)`,
		args: []any{
			principal.Key(), target.Key(), eventType, chainKey, direct,
			toMillis(firstSeenAt), toMillis(lastSeenAt),
			chainKey, chainKey,
		},
	})
}

// SetEnvironments queues the explicit environment assignment for a
// resource. Ingestion never touches environments.
func (b *Batch) SetEnvironments(id resource.ID, environments []string) {
	envs, err := json.Marshal(environments)
	if err != nil {
		envs = []byte("[]")
	}
	b.stmts = append(b.stmts, statement{
		op:    OpSetEnvironments,
		query: `UPDATE resource SET environments = ? WHERE id = ?`,
		args:  []any{string(envs), id.Key()},
	})
}

// ErrNotExecuted is the generic per-statement status for every statement
// after the one that aborted a transaction.
var ErrNotExecuted = errors.New("statement not executed")

// StatementError is one statement's failure inside a batch.
type StatementError struct {
	Index int
	Op    string
	Err   error
}

// BatchError reports a failed batch: the statement that aborted the
// transaction carries the real cause, every later statement reports
// ErrNotExecuted.
type BatchError struct {
	Statements []StatementError
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch failed (%d statement errors): %v", len(e.Statements), e.FirstRealError())
}

// FirstRealError returns the earliest statement error that is not the
// generic not-executed status. A BatchError containing only not-executed
// statuses should not occur; it is logged and the generic error returned
// as a defensive fallback.
func (e *BatchError) FirstRealError() error {
	for _, stmt := range e.Statements {
		if !errors.Is(stmt.Err, ErrNotExecuted) {
			return stmt.Err
		}
	}
	log.Printf("batch error contains only not-executed statement errors, which shouldn't happen")
	return ErrNotExecuted
}

// Submit executes every statement of the batch inside one transaction.
// Either all operations commit or none do. A failure is classified as
// Conflict when the first real error is a uniqueness violation, and
// Internal otherwise.
func (s *Store) Submit(ctx context.Context, b *Batch) error {
	if b == nil || len(b.stmts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierror.Internal("failed to begin transaction: %w", err)
	}

	for i, stmt := range b.stmts {
		if _, err := tx.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			_ = tx.Rollback()
			return classifyBatchError(newBatchError(b, i, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return apierror.Internal("failed to commit transaction: %w", err)
	}

	return nil
}

func newBatchError(b *Batch, failedIndex int, cause error) *BatchError {
	berr := &BatchError{}
	berr.Statements = append(berr.Statements, StatementError{
		Index: failedIndex,
		Op:    b.stmts[failedIndex].op,
		Err:   cause,
	})
	for i := failedIndex + 1; i < len(b.stmts); i++ {
		berr.Statements = append(berr.Statements, StatementError{
			Index: i,
			Op:    b.stmts[i].op,
			Err:   ErrNotExecuted,
		})
	}
	return berr
}

func classifyBatchError(berr *BatchError) error {
	real := berr.FirstRealError()
	var sqliteErr sqlite3.Error
	if errors.As(real, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return apierror.Wrap(apierror.KindConflict, berr)
	}
	return apierror.Wrap(apierror.KindInternal, berr)
}
