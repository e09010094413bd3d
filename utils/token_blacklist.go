package utils

import (
	"context"
	"sync"
	"time"
)

// blacklistEntry keeps expiration metadata for a revoked session token.
type blacklistEntry struct {
	expiresAt time.Time
}

var (
	blacklist   = map[string]blacklistEntry{}
	blacklistMu sync.RWMutex
)

// BlacklistToken revokes a session token until its natural expiration so that
// logout takes effect even while the cookie is still floating around.
// Redis is preferred; memory is the fallback when Redis is unreachable.
func BlacklistToken(token string, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rc.Set(ctx, "session:blacklist:"+token, "1", ttl).Err(); err == nil {
			return
		}
	}
	blacklistMu.Lock()
	blacklist[token] = blacklistEntry{expiresAt: expiresAt}
	blacklistMu.Unlock()
}

// IsTokenBlacklisted checks if a token was revoked before natural expiration.
func IsTokenBlacklisted(token string) bool {
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if n, err := rc.Exists(ctx, "session:blacklist:"+token).Result(); err == nil && n > 0 {
			return true
		}
		// On Redis error fall through to the in-memory map rather than
		// locking out every session.
	}

	blacklistMu.RLock()
	entry, ok := blacklist[token]
	blacklistMu.RUnlock()
	if !ok {
		return false
	}

	if time.Now().After(entry.expiresAt) {
		blacklistMu.Lock()
		delete(blacklist, token)
		blacklistMu.Unlock()
		return false
	}

	return true
}
