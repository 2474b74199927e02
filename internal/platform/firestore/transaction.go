package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc is executed within a Firestore transaction.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption customises transaction behaviour.
type TxOption func(*txConfig)

type txConfig struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts overrides the retry attempts for a transaction.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout sets a timeout for the transaction context.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// RunTransaction executes fn within a transaction on the provided client.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil {
		return WrapError("transaction", errors.New("firestore: client is nil"))
	}
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}

	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	txnCtx := ctx
	if cfg.timeout > 0 {
		deadline, hasDeadline := ctx.Deadline()
		if !hasDeadline || time.Until(deadline) > cfg.timeout {
			var cancel context.CancelFunc
			txnCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
			defer cancel()
		}
	}

	err := client.RunTransaction(txnCtx, fn, firestore.MaxAttempts(cfg.attempts))
	return WrapError("transaction", err)
}

// Scope carries a running transaction through repository calls. Firestore rejects reads issued after
// a write, so repositories read through the transaction immediately and stage their writes, which are
// applied in order once the unit of work returns without error.
type Scope struct {
	tx     *firestore.Transaction
	staged []func(*firestore.Transaction) error
}

type scopeKey struct{}

// Tx returns the underlying transaction for reads.
func (s *Scope) Tx() *firestore.Transaction {
	return s.tx
}

// Stage queues a write to run when the scope is flushed.
func (s *Scope) Stage(write func(*firestore.Transaction) error) {
	s.staged = append(s.staged, write)
}

func (s *Scope) flush() error {
	for _, write := range s.staged {
		if err := write(s.tx); err != nil {
			return err
		}
	}
	s.staged = nil
	return nil
}

// ScopeFromContext returns the transaction scope bound to ctx, if any.
func ScopeFromContext(ctx context.Context) (*Scope, bool) {
	if ctx == nil {
		return nil, false
	}
	scope, ok := ctx.Value(scopeKey{}).(*Scope)
	return scope, ok && scope != nil
}

// RunInScope joins the scope already bound to ctx or starts a new transaction whose scope is bound
// for the duration of fn. Staged writes are flushed only by the outermost call.
func (p *Provider) RunInScope(ctx context.Context, fn func(ctx context.Context, scope *Scope) error, opts ...TxOption) error {
	if scope, ok := ScopeFromContext(ctx); ok {
		return fn(ctx, scope)
	}
	return p.RunTransaction(ctx, func(txCtx context.Context, tx *firestore.Transaction) error {
		scope := &Scope{tx: tx}
		if err := fn(context.WithValue(txCtx, scopeKey{}, scope), scope); err != nil {
			return err
		}
		return scope.flush()
	}, opts...)
}
