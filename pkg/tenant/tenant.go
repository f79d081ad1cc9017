// Package tenant carries the active tenant through a unit of work.
//
// A Context is bound onto a context.Context at the entry point of each unit of
// work (an inbound request, a consumer loop, a scheduled job) and read back by
// every component that derives tenant-scoped Redis keys. There is no default
// tenant: reading an unbound context fails with ErrUnbound.
//
//	tc, _ := tenant.New("acme", "acme-corp")
//	err := tenant.Run(ctx, tc, func(ctx context.Context) error {
//		_, err := bus.Publish(ctx, event, "handoffs")
//		return err
//	})
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dyluth/warren/pkg/events"
)

// ErrUnbound is returned when tenant-scoped work is attempted without a bound
// tenant. It is a programming error and is never recovered by guessing a tenant.
var ErrUnbound = errors.New("no tenant bound to context")

// Context identifies the tenant of the current logical operation.
// It is never persisted.
type Context struct {
	ID        string // Stable tenant identifier, used in every Redis key
	Slug      string // Human readable name
	Namespace string // Derived storage namespace, e.g. tenant_acme_corp
}

// New validates the identifiers and derives the storage namespace.
func New(id, slug string) (*Context, error) {
	if err := events.ValidateName("tenant id", id); err != nil {
		return nil, err
	}
	if slug == "" {
		slug = id
	}
	if err := events.ValidateName("tenant slug", slug); err != nil {
		return nil, err
	}

	return &Context{
		ID:        id,
		Slug:      slug,
		Namespace: Namespace(slug),
	}, nil
}

// Namespace derives the storage namespace for a tenant slug.
func Namespace(slug string) string {
	return "tenant_" + strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToLower(slug))
}

func (c *Context) String() string {
	return fmt.Sprintf("%s (%s)", c.Slug, c.ID)
}

// Token releases a binding created by Bind.
type Token struct {
	b *binding
}

type binding struct {
	tc       *Context
	released atomic.Bool
}

type contextKey struct{}

// Bind scopes tc to the returned context. Every exit path of the scope that
// called Bind must call Unbind with the returned token; after that, Current on
// the returned context (and anything derived from it) fails with ErrUnbound.
func Bind(ctx context.Context, tc *Context) (context.Context, *Token) {
	b := &binding{tc: tc}
	return context.WithValue(ctx, contextKey{}, b), &Token{b: b}
}

// Unbind releases the binding. Safe to call more than once.
func Unbind(token *Token) {
	if token == nil || token.b == nil {
		return
	}
	token.b.released.Store(true)
}

// Current returns the tenant bound to ctx.
func Current(ctx context.Context) (*Context, error) {
	b, ok := ctx.Value(contextKey{}).(*binding)
	if !ok || b == nil || b.tc == nil || b.released.Load() {
		return nil, ErrUnbound
	}
	return b.tc, nil
}

// MustCurrent is Current for call sites where an unbound tenant is a bug.
func MustCurrent(ctx context.Context) *Context {
	tc, err := Current(ctx)
	if err != nil {
		panic(err)
	}
	return tc
}

// Run binds tc for the duration of fn and unbinds on every exit path,
// including panics.
func Run(ctx context.Context, tc *Context, fn func(ctx context.Context) error) error {
	if tc == nil {
		return ErrUnbound
	}
	bound, token := Bind(ctx, tc)
	defer Unbind(token)
	return fn(bound)
}
