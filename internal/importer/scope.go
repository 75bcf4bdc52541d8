package importer

import (
	"context"
	"errors"
)

// OnError controls what happens to the remote record when a sync scope
// closes because the caller's function returned an error.
type OnError int

const (
	// Reraise propagates the error to the caller. A record created by this
	// scope is deleted; a pre-existing record keeps its last uploaded state.
	Reraise OnError = iota
	// Keep swallows the error. A record created by this scope is still
	// deleted; a pre-existing record is kept without uploading the pending
	// changes.
	Keep
	// Delete swallows the error and deletes the remote record, whether it
	// was created by this scope or existed before.
	Delete
)

func (p OnError) String() string {
	switch p {
	case Reraise:
		return "reraise"
	case Keep:
		return "keep"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

var errScopePanic = errors.New("sync scope aborted by panic")

// syncTarget is implemented by Dataset, Resource and View. upload pushes the
// cached record to the catalog, remove deletes the remote record and
// unregisters any bookkeeping the entity keeps elsewhere.
type syncTarget interface {
	ent() *entity
	upload(ctx context.Context) error
	remove(ctx context.Context) error
	describe() string
}

// syncScope drives the commit-or-abort step that runs exactly once when a
// sync callback returns.
type syncScope struct {
	target      syncTarget
	onError     OnError
	justCreated bool
	logf        func(format string, args ...any)
}

// run invokes the caller's function and then closes the scope. If the
// function panics, the scope is closed as if it had returned an error, and
// the panic continues to unwind.
func (sc *syncScope) run(ctx context.Context, body func() error) error {
	closed := false
	defer func() {
		if !closed {
			_ = sc.close(ctx, errScopePanic)
		}
	}()
	userErr := body()
	closed = true
	return sc.close(ctx, userErr)
}

func (sc *syncScope) close(ctx context.Context, userErr error) error {
	e := sc.target.ent()

	if userErr != nil {
		switch {
		case sc.justCreated:
			sc.logf("error in sync scope, not keeping newly created %s: %v", sc.target.describe(), userErr)
			if removeErr := sc.removeTarget(ctx); removeErr != nil {
				return errors.Join(userErr, removeErr)
			}
		case sc.onError == Delete:
			sc.logf("error in sync scope, deleting %s: %v", sc.target.describe(), userErr)
			if removeErr := sc.removeTarget(ctx); removeErr != nil {
				return errors.Join(userErr, removeErr)
			}
		default:
			sc.logf("error in sync scope, not uploading changes to %s: %v", sc.target.describe(), userErr)
		}
		if sc.onError == Reraise {
			return userErr
		}
		return nil
	}

	switch {
	case e.toBeDeleted:
		return sc.removeTarget(ctx)
	case e.isModified():
		if err := sc.target.upload(ctx); err != nil {
			sc.logf("error while uploading %s: %v", sc.target.describe(), err)
			switch {
			case sc.justCreated:
				sc.logf("not keeping newly created %s", sc.target.describe())
				if removeErr := sc.removeTarget(ctx); removeErr != nil {
					return errors.Join(err, removeErr)
				}
			case sc.onError == Delete:
				sc.logf("deleting %s after failed upload", sc.target.describe())
				if removeErr := sc.removeTarget(ctx); removeErr != nil {
					return errors.Join(err, removeErr)
				}
			}
			if sc.onError == Reraise {
				return err
			}
		}
	default:
		sc.logf("%s has not been modified", sc.target.describe())
	}
	return nil
}

// removeTarget deletes the remote record. Failures are logged and swallowed
// unless the error policy is Reraise.
func (sc *syncScope) removeTarget(ctx context.Context) error {
	if err := sc.target.remove(ctx); err != nil {
		sc.logf("error while deleting %s: %v", sc.target.describe(), err)
		if sc.onError == Reraise {
			return err
		}
	}
	return nil
}
