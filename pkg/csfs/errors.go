package csfs

import "github.com/pkg/errors"

// Sentinel error kinds. Use errors.Is against these; the
// concrete error returned from most operations wraps one of them with
// github.com/pkg/errors so a stack trace survives propagation out of a
// Transaction's commit/abort.
var (
	// ErrIO means the underlying device or cache I/O failed.
	ErrIO = errors.New("csfs: i/o error")

	// ErrBadData means an on-disk structure violated an invariant
	// (magic, depth, sort order, lengths). Fatal for the current mount.
	ErrBadData = errors.New("csfs: bad on-disk data")

	// ErrOutOfSpace means the allocator found no run of the requested size.
	ErrOutOfSpace = errors.New("csfs: out of space")

	// ErrBusy means an exact-range allocation or free found bits in the
	// wrong state.
	ErrBusy = errors.New("csfs: block range busy")

	// ErrNotFound means a directory lookup missed.
	ErrNotFound = errors.New("csfs: not found")

	// ErrExists means a directory insertion found a duplicate key.
	ErrExists = errors.New("csfs: already exists")

	// ErrNameTooLong means a name or symlink target exceeded its limit.
	ErrNameTooLong = errors.New("csfs: name too long")

	// ErrInvalidArgument means a caller-supplied argument was invalid.
	ErrInvalidArgument = errors.New("csfs: invalid argument")

	// ErrReadOnly means the volume is mounted read-only.
	ErrReadOnly = errors.New("csfs: volume is read-only")

	// ErrOutOfMemory means an allocation of in-memory state failed.
	ErrOutOfMemory = errors.New("csfs: out of memory")
)
