// Package blocklist records devices and identities whose access tokens must stop working
// before they expire. An entry holds the revocation time: tokens issued at or before it are
// rejected, tokens issued after a fresh sign-in are not. Entries live as long as the longest
// outstanding access token.
package blocklist

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Kind is the subject an entry blocks.
type Kind string

const (
	KindDevice   Kind = "device"
	KindIdentity Kind = "identity"
)

// Blocklist is consulted by the authorization resolver on every check.
type Blocklist interface {
	// Block records that tokens of id issued at or before at are revoked, for ttl.
	Block(ctx context.Context, kind Kind, id string, at time.Time, ttl time.Duration) error
	// BlockedAt returns the revocation time recorded for id, if any.
	BlockedAt(ctx context.Context, kind Kind, id string) (time.Time, bool, error)
}

// Revokes reports whether a token issued at issuedAt falls under a block recorded at
// blockedAt. Issue times have millisecond precision, so only a token issued in the same
// millisecond as the block is revoked despite following it.
func Revokes(blockedAt, issuedAt time.Time) bool {
	return !issuedAt.After(blockedAt.Truncate(time.Millisecond))
}

func key(kind Kind, id string) string {
	return "blocklist:" + string(kind) + ":" + id
}

// Memory is a process-local Blocklist. Suitable for single-instance deployments and tests.
type Memory struct {
	c *gocache.Cache
}

// NewMemory returns an in-process blocklist whose expired entries are purged every cleanup.
func NewMemory(cleanup time.Duration) *Memory {
	return &Memory{c: gocache.New(gocache.NoExpiration, cleanup)}
}

func (m *Memory) Block(_ context.Context, kind Kind, id string, at time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.c.Set(key(kind, id), at.UTC(), ttl)
	return nil
}

func (m *Memory) BlockedAt(_ context.Context, kind Kind, id string) (time.Time, bool, error) {
	v, ok := m.c.Get(key(kind, id))
	if !ok {
		return time.Time{}, false, nil
	}
	at, ok := v.(time.Time)
	return at, ok, nil
}

// Nop never blocks anything.
type Nop struct{}

func (Nop) Block(context.Context, Kind, string, time.Time, time.Duration) error { return nil }
func (Nop) BlockedAt(context.Context, Kind, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
