// Package reqctx holds the request-scoped access context: the resolved
// subject, session and request identifiers, and a per-request memo used to
// avoid re-reading permission overrides within one request.
//
// A Context is created by the session middleware when a request enters and is
// dropped when the request ends. Nothing in it outlives the request, so an
// admin edit to a subject's permissions is visible on that subject's next
// request.
package reqctx

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/platinummonkey/releasegate/pkg/contextkeys"
	"github.com/platinummonkey/releasegate/pkg/profile"
)

// Context is the request-scoped access context
type Context struct {
	Subject   *profile.Subject
	SessionID string
	RequestID string

	mu   sync.Mutex
	memo map[string]interface{}
}

// New creates a request context. An empty requestID gets a fresh UUID.
func New(subject *profile.Subject, sessionID, requestID string) *Context {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &Context{
		Subject:   subject,
		SessionID: sessionID,
		RequestID: requestID,
		memo:      make(map[string]interface{}),
	}
}

// System returns a context for system-initiated work with no subject
func System() *Context {
	return New(nil, "", "")
}

// Anonymous reports whether no subject is attached
func (c *Context) Anonymous() bool {
	return c == nil || c.Subject == nil
}

// SubjectID returns the subject ID or nil
func (c *Context) SubjectID() *string {
	if c.Anonymous() {
		return nil
	}
	id := c.Subject.ID
	return &id
}

// SubjectEmail returns the subject email or nil
func (c *Context) SubjectEmail() *string {
	if c.Anonymous() {
		return nil
	}
	email := c.Subject.Email
	return &email
}

// Load returns the memoized value for key, calling load on the first use.
// Failed loads are not memoized.
func (c *Context) Load(key string, load func() (interface{}, error)) (interface{}, error) {
	if c == nil {
		return load()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.memo[key]; ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	if c.memo == nil {
		c.memo = make(map[string]interface{})
	}
	c.memo[key] = v
	return v, nil
}

// Forget drops a memoized value, used after the request itself changes the
// underlying data.
func (c *Context) Forget(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.memo, key)
	c.mu.Unlock()
}

// WithContext stores rc in ctx
func WithContext(ctx context.Context, rc *Context) context.Context {
	ctx = contextkeys.WithRequestContext(ctx, rc)
	if rc != nil {
		ctx = contextkeys.WithRequestID(ctx, rc.RequestID)
		if id := rc.SubjectID(); id != nil {
			ctx = contextkeys.WithSubjectID(ctx, *id)
		}
	}
	return ctx
}

// FromContext returns the request context stored in ctx, or nil
func FromContext(ctx context.Context) *Context {
	rc, _ := contextkeys.GetRequestContext(ctx).(*Context)
	return rc
}
