package taxgo

import (
	"errors"
	"fmt"

	"github.com/hupe1980/taxgo/blobstore"
	"github.com/hupe1980/taxgo/cht"
	"github.com/hupe1980/taxgo/k2d"
)

var (
	// ErrDatabaseFull is returned when a build exceeds the reserved
	// capacity. The build must be restarted with a larger estimate.
	ErrDatabaseFull = errors.New("database capacity exceeded")

	// ErrCorruptDatabase is returned when a database file fails
	// validation on load.
	ErrCorruptDatabase = errors.New("corrupt database")

	// ErrNotFound is returned when a named database does not exist in
	// the configured store.
	ErrNotFound = errors.New("database not found")

	// ErrClosed is returned by operations on a closed instance.
	ErrClosed = errors.New("database is closed")
)

// ErrInvalidConfig indicates a configuration value outside its valid
// range.
//
// The original underlying error (if any) can be accessed via
// errors.Unwrap.
type ErrInvalidConfig struct {
	Field string
	Value any
	cause error
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid config: %s = %v", e.Field, e.Value)
}

func (e *ErrInvalidConfig) Unwrap() error { return e.cause }

// translateError maps subsystem errors onto the root-level sentinels
// so callers only match against this package's errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, cht.ErrCapacityExceeded) {
		return fmt.Errorf("%w: %w", ErrDatabaseFull, err)
	}
	if errors.Is(err, k2d.ErrCorruptDatabase) {
		return fmt.Errorf("%w: %w", ErrCorruptDatabase, err)
	}
	if errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	return err
}
