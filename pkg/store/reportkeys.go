package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/archodex/backend/pkg/apierror"
)

// ReportAPIKey is the metadata record for one issued report key. The
// key material itself is never stored; only the numeric id survives.
type ReportAPIKey struct {
	ID          uint32     `json:"id"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	RevokedBy   *string    `json:"revoked_by,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *ReportAPIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// CreateReportAPIKey records a newly issued key id. A collision on the
// id surfaces as Conflict so the caller can retry with a fresh id.
func (s *Store) CreateReportAPIKey(ctx context.Context, id uint32, description, createdBy string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO report_api_key (id, description, created_at, created_by) VALUES (?, ?, ?, ?)`,
		id, description, toMillis(createdAt), createdBy,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return apierror.Conflict("report api key id %d already exists", id)
		}
		return apierror.Internal("failed to create report api key: %w", err)
	}
	return nil
}

// ListReportAPIKeys returns all issued keys, revoked ones included,
// newest first.
func (s *Store) ListReportAPIKeys(ctx context.Context) ([]ReportAPIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, description, created_at, created_by, revoked_at, revoked_by
		 FROM report_api_key ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, apierror.Internal("failed to list report api keys: %w", err)
	}
	defer rows.Close()

	var keys []ReportAPIKey
	for rows.Next() {
		var (
			key       ReportAPIKey
			createdAt int64
			revokedAt sql.NullInt64
			revokedBy sql.NullString
		)
		if err := rows.Scan(&key.ID, &key.Description, &createdAt, &key.CreatedBy, &revokedAt, &revokedBy); err != nil {
			return nil, apierror.Internal("failed to scan report api key: %w", err)
		}
		key.CreatedAt = fromMillis(createdAt)
		if revokedAt.Valid {
			t := fromMillis(revokedAt.Int64)
			key.RevokedAt = &t
		}
		if revokedBy.Valid {
			key.RevokedBy = &revokedBy.String
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Internal("failed to list report api keys: %w", err)
	}
	return keys, nil
}

// GetReportAPIKey looks up one key record by id.
func (s *Store) GetReportAPIKey(ctx context.Context, id uint32) (*ReportAPIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, description, created_at, created_by, revoked_at, revoked_by
		 FROM report_api_key WHERE id = ?`, id,
	)
	var (
		key       ReportAPIKey
		createdAt int64
		revokedAt sql.NullInt64
		revokedBy sql.NullString
	)
	err := row.Scan(&key.ID, &key.Description, &createdAt, &key.CreatedBy, &revokedAt, &revokedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.NotFound("report api key %d not found", id)
	}
	if err != nil {
		return nil, apierror.Internal("failed to load report api key: %w", err)
	}
	key.CreatedAt = fromMillis(createdAt)
	if revokedAt.Valid {
		t := fromMillis(revokedAt.Int64)
		key.RevokedAt = &t
	}
	if revokedBy.Valid {
		key.RevokedBy = &revokedBy.String
	}
	return &key, nil
}

// RevokeReportAPIKey marks a key as revoked. Revoking an already
// revoked key is a no-op that preserves the original revocation record.
func (s *Store) RevokeReportAPIKey(ctx context.Context, id uint32, revokedBy string, revokedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE report_api_key SET revoked_at = ?, revoked_by = ? WHERE id = ? AND revoked_at IS NULL`,
		toMillis(revokedAt), revokedBy, id,
	)
	if err != nil {
		return apierror.Internal("failed to revoke report api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apierror.Internal("failed to revoke report api key: %w", err)
	}
	if n == 0 {
		key, err := s.GetReportAPIKey(ctx, id)
		if err != nil {
			return err
		}
		if key.Revoked() {
			return nil
		}
		return apierror.Internal("report api key %d not revoked", id)
	}
	return nil
}

// ReportAPIKeyValid reports whether a key id exists and has not been
// revoked. Unknown ids are invalid rather than an error so that callers
// can map them to a uniform authentication failure.
func (s *Store) ReportAPIKeyValid(ctx context.Context, id uint32) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT revoked_at IS NULL FROM report_api_key WHERE id = ?`, id,
	)
	var valid bool
	err := row.Scan(&valid)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apierror.Internal("failed to check report api key: %w", err)
	}
	return valid, nil
}
