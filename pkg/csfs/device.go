package csfs

import "context"

// ZeroCheckSum is the stored-checksum value that disables verification
// for a block.
var ZeroCheckSum [32]byte

// Device is the narrow slice of the checksum-verifying block device driver
// that csfs depends on. Media plugin code, mount/unmount
// wiring and the device's own read/verify path are external collaborators
// and out of scope; csfs only issues the two stored-checksum ioctls.
type Device interface {
	// BlockCount reports the device's total block count.
	BlockCount() uint64

	// GetCheckSum returns the block's current stored checksum.
	GetCheckSum(ctx context.Context, block uint64) ([32]byte, error)

	// SetCheckSum writes the block's stored checksum. ZeroCheckSum
	// disables verification for that block.
	SetCheckSum(ctx context.Context, block uint64, sum [32]byte) error
}
