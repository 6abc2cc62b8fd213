package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/archodex/backend/pkg/apierror"
	"github.com/archodex/backend/pkg/keymat"
	"github.com/archodex/backend/pkg/reportkey"
	"github.com/archodex/backend/pkg/store"
	redisstore "github.com/archodex/backend/pkg/store/redis"
)

// AuthProvider authenticates report submissions. Implementations must
// return only errUnauthorized on failure so callers cannot distinguish
// a malformed key from a revoked or nonexistent one.
type AuthProvider interface {
	AuthenticateReport(ctx context.Context, r *http.Request) (accountID, keyID uint32, err error)
	// InvalidateKey drops any cached validity for a key id, so a
	// revocation takes effect immediately instead of after cache expiry.
	InvalidateKey(ctx context.Context, keyID uint32)
}

// errUnauthorized is the uniform authentication failure. The real cause
// is logged, never returned.
var errUnauthorized = apierror.Unauthorized("unauthorized")

// KeyAuthProvider validates report key bearer credentials against the
// deployment's key material and the revocation records, with an
// optional Redis cache in front of the revocation lookup.
type KeyAuthProvider struct {
	store      *store.Store
	keys       *keymat.Cache
	endpoint   string
	revocation *redisstore.RevocationCache
}

func NewKeyAuthProvider(st *store.Store, keys *keymat.Cache, endpoint string, revocation *redisstore.RevocationCache) *KeyAuthProvider {
	return &KeyAuthProvider{store: st, keys: keys, endpoint: endpoint, revocation: revocation}
}

func (p *KeyAuthProvider) AuthenticateReport(ctx context.Context, r *http.Request) (uint32, uint32, error) {
	value, err := bearerToken(r)
	if err != nil {
		KeyValidationTotal.WithLabelValues("malformed").Inc()
		return 0, 0, errUnauthorized
	}

	privateKey, err := p.keys.Key(ctx)
	if err != nil {
		// Key material being unavailable is a server-side failure, not an
		// authentication verdict.
		return 0, 0, err
	}

	accountID, keyID, err := reportkey.ValidateValue(privateKey, p.endpoint, value)
	if err != nil {
		KeyValidationTotal.WithLabelValues("invalid").Inc()
		logAuthFailure(ctx, err)
		return 0, 0, errUnauthorized
	}

	valid, err := p.keyValid(ctx, keyID)
	if err != nil {
		return 0, 0, err
	}
	if !valid {
		KeyValidationTotal.WithLabelValues("revoked").Inc()
		logAuthFailure(ctx, apierror.Unauthorized("report key %d revoked or unknown", keyID))
		return 0, 0, errUnauthorized
	}

	KeyValidationTotal.WithLabelValues("ok").Inc()
	return accountID, keyID, nil
}

// keyValid checks revocation, consulting the Redis cache first when
// configured. Cache failures fall through to the database.
func (p *KeyAuthProvider) keyValid(ctx context.Context, keyID uint32) (bool, error) {
	if p.revocation != nil {
		if valid, ok := p.revocation.Get(ctx, keyID); ok {
			return valid, nil
		}
	}
	valid, err := p.store.ReportAPIKeyValid(ctx, keyID)
	if err != nil {
		return false, err
	}
	if p.revocation != nil {
		p.revocation.Set(ctx, keyID, valid)
	}
	return valid, nil
}

func (p *KeyAuthProvider) InvalidateKey(ctx context.Context, keyID uint32) {
	if p.revocation != nil {
		p.revocation.Invalidate(ctx, keyID)
	}
}

// FixedAuthProvider accepts every request as a fixed account and key.
// Test implementation.
type FixedAuthProvider struct {
	AccountID uint32
	KeyID     uint32
}

func (p *FixedAuthProvider) AuthenticateReport(context.Context, *http.Request) (uint32, uint32, error) {
	return p.AccountID, p.KeyID, nil
}

func (p *FixedAuthProvider) InvalidateKey(context.Context, uint32) {}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", apierror.Unauthorized("missing authorization header")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", apierror.Unauthorized("invalid authorization header format")
	}
	return parts[1], nil
}

func logAuthFailure(ctx context.Context, err error) {
	fmt.Printf(`{"level":"warn","msg":"report_auth_failed","trace_id":"%s","error":"%v"}`+"\n", getTraceID(ctx), err)
}
