package csfs

// PostCommitNotification variants fired by a committed Transaction. Each
// is a plain value type; dispatching them to VFS watchers is external to
// csfs.

// EntryCreated fires when a new (name, child) pair was linked into a
// directory.
type EntryCreated struct {
	Directory uint64
	Name      string
	Child     uint64
}

func (EntryCreated) isNotification() {}

// EntryRemoved fires when a (name, child) pair was unlinked from a
// directory.
type EntryRemoved struct {
	Directory uint64
	Name      string
	Child     uint64
}

func (EntryRemoved) isNotification() {}

// EntryMoved fires when an entry was relinked from one directory/name to
// another without changing the underlying node.
type EntryMoved struct {
	OldDirectory uint64
	OldName      string
	NewDirectory uint64
	NewName      string
	Child        uint64
}

func (EntryMoved) isNotification() {}

// StatChanged fires when a node's stat-visible fields (mode, size,
// timestamps, link count) changed.
type StatChanged struct {
	Node uint64
}

func (StatChanged) isNotification() {}

// AttributeChanged fires when a node's extended-attribute directory was
// modified.
type AttributeChanged struct {
	Node uint64
}

func (AttributeChanged) isNotification() {}
