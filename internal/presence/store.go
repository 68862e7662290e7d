// Package presence tracks which connections a user currently has live. The
// externally visible fact "user U has live connection C" carries a TTL; an
// expired record is treated as absent even if not yet physically removed.
//
// Two backends share one contract: a Redis-backed store visible to every
// gateway instance, and an in-process map used when Redis is unreachable.
// All operations are total — absence is a valid result, never an error.
package presence

import (
	"context"
	"time"
)

// Store is the presence contract shared by both backends.
type Store interface {
	// SetOnline records conn as the user's primary live connection with the
	// given TTL, replacing any previous primary.
	SetOnline(ctx context.Context, userID, connID string, ttl time.Duration) error

	// GetOnline returns the user's primary connection ID. The second return
	// is false when the user has no unexpired presence record.
	GetOnline(ctx context.Context, userID string) (string, bool, error)

	// SetOffline removes every presence record for the user.
	SetOffline(ctx context.Context, userID string) error

	// AddConn adds conn to the user's connection set and refreshes the TTL.
	AddConn(ctx context.Context, userID, connID string) error

	// RemoveConn removes conn from the user's connection set. Removing a
	// connection that is not present is a no-op.
	RemoveConn(ctx context.Context, userID, connID string) error

	// Conns returns the user's live connection set. An offline or expired
	// user yields an empty slice.
	Conns(ctx context.Context, userID string) ([]string, error)
}
