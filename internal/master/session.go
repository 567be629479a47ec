package master

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/JakeFAU/archive-scanner/internal/metrics"
)

// Session is one registered worker.
type Session struct {
	AccessKey string
	IssuedAt  time.Time
	LastSeen  time.Time
}

// Register trades the shared secret for a new session.
func (c *Coordinator) Register(secret string) (Session, error) {
	if subtle.ConstantTimeCompare([]byte(secret), []byte(c.cfg.Secret)) != 1 {
		return Session{}, ErrForbidden
	}
	key, err := c.deps.IDs.NewAccessKey()
	if err != nil {
		return Session{}, fmt.Errorf("issue access key: %w", err)
	}
	now := c.deps.Clock.Now()
	sess := Session{AccessKey: key, IssuedAt: now, LastSeen: now}
	c.sessions.Set(key, sess, ttlcache.DefaultTTL)
	metrics.SetSessions(c.sessions.Len())
	c.logger.Info("session registered")
	return sess, nil
}

// Authenticate checks key and refreshes the session's validity window.
func (c *Coordinator) Authenticate(key string) (Session, error) {
	if key == "" {
		return Session{}, ErrUnauthorized
	}
	item := c.sessions.Get(key)
	if item == nil {
		return Session{}, ErrUnauthorized
	}
	sess := item.Value()
	sess.LastSeen = c.deps.Clock.Now()
	c.sessions.Set(key, sess, ttlcache.DefaultTTL)
	return sess, nil
}

// Unregister drops the session.
func (c *Coordinator) Unregister(key string) {
	c.sessions.Delete(key)
	metrics.SetSessions(c.sessions.Len())
	c.logger.Info("session unregistered")
}

// Sessions returns the number of live sessions.
func (c *Coordinator) Sessions() int {
	return c.sessions.Len()
}
