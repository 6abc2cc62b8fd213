package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/archodex/backend/pkg/apierror"
)

// Account is the single tenant record of a self-hosted deployment. The
// salt binds issued report keys to this account; APIPrivateKey is set
// only when the deployment stores its key material in the database
// instead of the environment.
type Account struct {
	ID            uint32
	Salt          []byte
	APIPrivateKey []byte
	CreatedAt     time.Time
	CreatedBy     string
}

// CreateAccount records the deployment's account. Only one live account
// may exist at a time; creating a second is a Conflict until the first
// is deleted.
func (s *Store) CreateAccount(ctx context.Context, account *Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierror.Internal("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing uint32
	err = tx.QueryRowContext(ctx, `SELECT id FROM account WHERE deleted_at IS NULL`).Scan(&existing)
	if err == nil {
		return apierror.Conflict("account %d already exists", existing)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return apierror.Internal("failed to check for existing account: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO account (id, salt, api_private_key, created_at, created_by) VALUES (?, ?, ?, ?, ?)`,
		account.ID, account.Salt, account.APIPrivateKey, toMillis(account.CreatedAt), account.CreatedBy,
	)
	if err != nil {
		return apierror.Internal("failed to create account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return apierror.Internal("failed to commit account: %w", err)
	}
	return nil
}

// GetAccount returns the live account, or NotFound when the deployment
// has not been initialized yet.
func (s *Store) GetAccount(ctx context.Context) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, salt, api_private_key, created_at, created_by
		 FROM account WHERE deleted_at IS NULL`,
	)
	var (
		account   Account
		createdAt int64
		priv      []byte
	)
	err := row.Scan(&account.ID, &account.Salt, &priv, &createdAt, &account.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.NotFound("account not found")
	}
	if err != nil {
		return nil, apierror.Internal("failed to load account: %w", err)
	}
	account.APIPrivateKey = priv
	account.CreatedAt = fromMillis(createdAt)
	return &account, nil
}

// DeleteAccount soft-deletes the live account. The row is kept so that
// issued key ids remain attributable after the fact.
func (s *Store) DeleteAccount(ctx context.Context, deletedBy string, deletedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE account SET deleted_at = ?, deleted_by = ? WHERE deleted_at IS NULL`,
		toMillis(deletedAt), deletedBy,
	)
	if err != nil {
		return apierror.Internal("failed to delete account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apierror.Internal("failed to delete account: %w", err)
	}
	if n == 0 {
		return apierror.NotFound("account not found")
	}
	return nil
}
