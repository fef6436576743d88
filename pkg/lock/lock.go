// Package lock implements a named mutual-exclusion token shared by every process
// using the same store. A lock is a "set if absent" key with an expiry, so a
// holder that dies releases it passively once the TTL lapses.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/guido-cesarano/txqueue/pkg/logger"
	"github.com/guido-cesarano/txqueue/pkg/qerrors"
	"github.com/guido-cesarano/txqueue/pkg/store"
)

type Options struct {
	// TTL bounds how long a crashed holder can block others.
	TTL time.Duration
	// RetryDelay is the pause between acquisition attempts.
	RetryDelay time.Duration
	// Timeout is the overall acquisition budget.
	Timeout time.Duration
	Logger  *zerolog.Logger
}

func (o *Options) SetDefaults() {
	if o.TTL == 0 {
		o.TTL = 10 * time.Second
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 50 * time.Millisecond
	}
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Logger == nil {
		l := logger.Component("lock")
		o.Logger = &l
	}
}

type Locker struct {
	store store.Store
	opts  Options
}

func NewLocker(s store.Store, opts Options) *Locker {
	opts.SetDefaults()
	return &Locker{store: s, opts: opts}
}

// Lock is a held token. Release it exactly once.
type Lock struct {
	store store.Store
	key   string
	token string
}

// Acquire spins until key is free, the timeout elapses, or ctx is done.
// A timeout yields a *qerrors.LockTimeoutError.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	token := uuid.New().String()
	var lastErr error

	err := wait.PollUntilContextTimeout(ctx, l.opts.RetryDelay, l.opts.Timeout, true, func(ctx context.Context) (bool, error) {
		ok, err := l.store.SetNX(ctx, key, token, l.opts.TTL)
		if err != nil {
			// Transport errors are retried until the budget runs out.
			lastErr = err
			return false, nil
		}
		return ok, nil
	})
	if err == nil {
		return &Lock{store: l.store, key: key, token: token}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if wait.Interrupted(err) {
		if lastErr != nil {
			l.opts.Logger.Warn().Err(lastErr).Str("key", key).Msg("Lock acquisition saw store errors")
		}
		return nil, &qerrors.LockTimeoutError{Key: key, Timeout: l.opts.Timeout}
	}
	return nil, err
}

// Release frees the lock if this holder still owns it. A lock that expired and
// was taken by another holder is left alone.
func (lk *Lock) Release(ctx context.Context) error {
	_, err := lk.store.DelIfEqual(ctx, lk.key, lk.token)
	return err
}

// WithLock runs fn while holding key and releases it whether fn succeeds or not.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (err error) {
	lk, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		// Release with a fresh context so a cancelled caller still frees the token.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.TTL)
		defer cancel()
		if relErr := lk.Release(releaseCtx); relErr != nil {
			l.opts.Logger.Error().Err(relErr).Str("key", key).Msg("Failed to release lock")
			err = errors.Join(err, relErr)
		}
	}()
	return fn(ctx)
}
