// Package authcache wraps the external auth-provider collaborator spec §6
// names — "offers currentSession(), refreshSession(), signOut(), and a
// state-change stream with events at least SIGNED_IN, SIGNED_OUT,
// TOKEN_REFRESHED" — with the hourly-cached validity check the push
// pipeline's precondition requires ("remote session is valid, validated at
// least hourly; cached otherwise"). The provider itself is explicitly a
// collaborator, not something this module implements (spec §1 lists
// "authentication providers" among the named-but-out-of-scope
// collaborators); only the caching and state-fanout wrapper around it
// belongs here.
//
// Grounded on the subscriber-map fanout shape of internal/engine/status's
// Observable (the only in-pack precedent for push-based subscription) and
// on internal/remoteserver/auth.go's token/owner model for what a session
// actually carries.
package authcache

import (
	"context"
	"sync"
	"time"
)

// EventType names the auth provider's state-change events.
type EventType string

const (
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
)

// Session is the minimal session shape the engine needs from the
// collaborator: a bearer token, the owning user, and an expiry hint.
type Session struct {
	Token     string
	OwnerID   string
	ExpiresAt time.Time
}

// Event is one state-change notification from the provider's stream.
type Event struct {
	Type    EventType
	Session Session
}

// Provider is the external auth-provider collaborator's contract.
type Provider interface {
	CurrentSession(ctx context.Context) (Session, error)
	RefreshSession(ctx context.Context) (Session, error)
	SignOut(ctx context.Context) error
	// Subscribe registers cb for every state-change event and returns an
	// unsubscribe func, the same handle shape as status.Observable.Subscribe.
	Subscribe(cb func(Event)) (unsubscribe func())
}

// DefaultTTL is how long a validated session is trusted before the cache
// re-checks with the provider (spec §6: "caches validity for one hour").
const DefaultTTL = time.Hour

// Cache wraps a Provider with the hourly validity cache the push pipeline
// consults before attempting to drain the outbox.
type Cache struct {
	Provider Provider
	TTL      time.Duration

	// OnAuthKicked fires when an authorization-classified error forces a
	// revalidation (spec §7: "a dedicated onAuthKicked callback").
	OnAuthKicked func(err error)

	mu          sync.Mutex
	lastChecked time.Time
	valid       bool
	session     Session
	unsubscribe func()
}

// New wraps provider with a cache using DefaultTTL.
func New(provider Provider) *Cache {
	return &Cache{Provider: provider, TTL: DefaultTTL}
}

// Listen subscribes to the provider's state-change stream so the cache
// stays current without waiting for the next Valid() call, returning an
// unsubscribe func. Safe to call once per Cache.
func (c *Cache) Listen() func() {
	unsub := c.Provider.Subscribe(c.handleEvent)
	c.mu.Lock()
	c.unsubscribe = unsub
	c.mu.Unlock()
	return unsub
}

func (c *Cache) handleEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case EventSignedOut:
		c.valid = false
		c.session = Session{}
	case EventSignedIn, EventTokenRefreshed:
		c.session = ev.Session
		c.valid = true
		c.lastChecked = time.Now()
	}
}

// Valid reports whether the cached session is still good, revalidating
// against the provider if the TTL has elapsed or no session has ever been
// checked.
func (c *Cache) Valid(ctx context.Context) bool {
	c.mu.Lock()
	fresh := c.valid && time.Since(c.lastChecked) < c.ttl()
	c.mu.Unlock()
	if fresh {
		return true
	}
	return c.revalidate(ctx)
}

func (c *Cache) revalidate(ctx context.Context) bool {
	sess, err := c.Provider.CurrentSession(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastChecked = time.Now()
	if err != nil || sess.Token == "" {
		c.valid = false
		c.session = Session{}
		return false
	}
	c.session = sess
	c.valid = true
	return true
}

// Session returns the last-known-valid session. The caller should check
// Valid first; this returns the zero Session if none has ever validated.
func (c *Cache) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Invalidate forces the next Valid call to recheck with the provider
// instead of trusting the cache, used after an authorization-classified
// error from the remote service.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// HandleAuthError invalidates the cache and fires OnAuthKicked, the
// engine's response to spec §7's authorization error kind: "sync halts;
// application is notified via the status observable and a dedicated
// onAuthKicked callback."
func (c *Cache) HandleAuthError(err error) {
	c.Invalidate()
	if c.OnAuthKicked != nil {
		c.OnAuthKicked(err)
	}
}

func (c *Cache) ttl() time.Duration {
	if c.TTL <= 0 {
		return DefaultTTL
	}
	return c.TTL
}
