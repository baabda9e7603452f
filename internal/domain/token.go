package domain

import "context"

// CancelToken is a shared handle for requesting early termination. A nil
// token is valid and never cancelled.
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancelToken returns a token independent of any context.
func NewCancelToken() *CancelToken {
	return NewCancelTokenFromContext(context.Background())
}

// NewCancelTokenFromContext returns a token that is also cancelled when parent is done.
func NewCancelTokenFromContext(parent context.Context) *CancelToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Cancel requests termination. Safe to call more than once.
func (t *CancelToken) Cancel() {
	if t != nil {
		t.cancel()
	}
}

// Cancelled reports whether Cancel was called or the parent context ended.
func (t *CancelToken) Cancelled() bool {
	return t != nil && t.ctx.Err() != nil
}

// Context returns a context cancelled together with the token.
func (t *CancelToken) Context() context.Context {
	if t == nil {
		return context.Background()
	}
	return t.ctx
}

// Done mirrors context.Context.Done. A nil token returns a nil channel.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ctx.Done()
}
