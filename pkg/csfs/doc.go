// Package csfs implements the on-disk core of CSFS, a block-based,
// checksum-verified filesystem: a transactional block store, a tiered
// bitmap block allocator, a directory entry B-tree and a fixed-fanout file
// block tree. Every data block's SHA-256 digest is kept in lockstep with
// the block's contents by the transaction that wrote it.
//
// The VFS glue, the checksum-verifying block device driver and the block
// cache are external collaborators; csfs only depends on the narrow
// interfaces they expose (Device, Cache and FileCache, all in this
// package).
package csfs
