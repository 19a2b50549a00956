// Package state holds the optimistic concurrency rules shared by the server
// store and the client dispatcher.
//
// A write names the version it last observed. It wins only when that version
// is still current; otherwise the caller gets a *Conflict carrying the
// authoritative value and decides whether to rebase and resubmit. Conflicts
// are values, never silently merged.
package state

import (
	"errors"
	"fmt"

	"happy-sync/internal/model"
)

var (
	ErrVersionConflict = errors.New("version-mismatch")
	ErrEntityGone      = errors.New("entity gone")
)

// Write is an incoming mutation of one versioned field.
type Write struct {
	ExpectedVersion int64
	Value           *string
}

// Conflict is returned when a write's expected version is stale.
type Conflict struct {
	Current model.VersionedValue
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("version-mismatch: current version is %d", c.Current.Version)
}

func (c *Conflict) Is(target error) bool {
	return target == ErrVersionConflict
}

// TryApply is pure: it returns the next value or a *Conflict and never
// modifies current.
func TryApply(current model.VersionedValue, w Write) (model.VersionedValue, error) {
	if w.ExpectedVersion != current.Version {
		return current, &Conflict{Current: current}
	}
	var value *string
	if w.Value != nil {
		v := *w.Value
		value = &v
	}
	return model.VersionedValue{Version: current.Version + 1, Value: value}, nil
}

// Commit applies w to *field and advances *seq as one step: both change or
// neither does.
func Commit(field *model.VersionedValue, seq *int64, deleted bool, w Write) error {
	if deleted {
		return ErrEntityGone
	}
	next, err := TryApply(*field, w)
	if err != nil {
		return err
	}
	*field = next
	*seq++
	return nil
}

// Advance records a persistent change that carries no versioned field (a
// new message, for example).
func Advance(seq *int64, deleted bool) error {
	if deleted {
		return ErrEntityGone
	}
	*seq++
	return nil
}

// Delete is terminal: it advances seq once and every later call fails with
// ErrEntityGone.
func Delete(seq *int64, deleted *bool) error {
	if *deleted {
		return ErrEntityGone
	}
	*deleted = true
	*seq++
	return nil
}

// Touch updates liveness. It never involves seq or field versions, and
// ActiveAt only moves on activation.
func Touch(active *bool, activeAt *int64, to bool, at int64) {
	*active = to
	if to {
		*activeAt = at
	}
}

// ConflictCurrent extracts the authoritative value from a conflict error.
func ConflictCurrent(err error) (model.VersionedValue, bool) {
	var c *Conflict
	if errors.As(err, &c) {
		return c.Current, true
	}
	return model.VersionedValue{}, false
}
