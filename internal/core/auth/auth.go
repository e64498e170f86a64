// Package auth authenticates gRPC callers by HMAC-hashed API keys.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// MetadataKey is the gRPC metadata entry carrying the API key.
const MetadataKey = "x-api-key"

// lastUsedThrottle bounds how often last_used_at is rewritten for a busy key.
const lastUsedThrottle = time.Minute

type contextKey string

const clientIDKey = contextKey("client_id")

// Queries is the subset of *db.Queries the authenticator runs.
type Queries interface {
	Get(ctx context.Context, name string, dest any, args ...any) error
	Exec(ctx context.Context, name string, args ...any) (sql.Result, error)
}

// Authenticator checks API keys against the stored HMAC hashes. Secrets are
// held in memory keyed by the secret id embedded in each key.
type Authenticator struct {
	secrets map[string][]byte
	queries Queries
	now     func() time.Time
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(secrets map[string][]byte, queries Queries) *Authenticator {
	return &Authenticator{
		secrets: secrets,
		queries: queries,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type apiKeyRow struct {
	APIKeyID   string       `db:"api_key_id"`
	ClientID   string       `db:"client_id"`
	RevokedAt  sql.NullTime `db:"revoked_at"`
	LastUsedAt sql.NullTime `db:"last_used_at"`
}

// Authenticate returns the client id owning apiKey.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (string, error) {
	secretID, _, err := ParseAPIKey(apiKey)
	if err != nil {
		return "", err
	}
	secret, ok := a.secrets[secretID]
	if !ok {
		return "", ErrUnknownKey
	}

	var row apiKeyRow
	err = a.queries.Get(ctx, "get-api-key-by-hash", &row, ComputeHMAC(secret, apiKey))
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidKey
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if row.RevokedAt.Valid {
		return "", ErrKeyRevoked
	}

	now := a.now()
	if !row.LastUsedAt.Valid || now.Sub(row.LastUsedAt.Time) > lastUsedThrottle {
		_, _ = a.queries.Exec(ctx, "update-last-used", now, row.APIKeyID)
	}
	return row.ClientID, nil
}

// UnaryInterceptor rejects calls without a valid key and stores the client id
// in the handler context.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		keys := md.Get(MetadataKey)
		if len(keys) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrMissingKey.Error())
		}

		clientID, err := a.Authenticate(ctx, keys[0])
		switch {
		case err == nil:
		case errors.Is(err, ErrKeyRevoked):
			return nil, status.Error(codes.PermissionDenied, err.Error())
		case errors.Is(err, ErrUnavailable):
			return nil, status.Error(codes.Unavailable, err.Error())
		default:
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		return handler(context.WithValue(ctx, clientIDKey, clientID), req)
	}
}

// ClientIDFromContext returns the authenticated client id, or "".
func ClientIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(clientIDKey).(string); ok {
		return id
	}
	return ""
}
