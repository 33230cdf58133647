package memory

// Shallow heap sizes used when charging lock bookkeeping.
const (
	LongSize           = 8
	ReferenceSize      = 8
	ObjectHeaderSize   = 16
	MapNodeShallowSize = ObjectHeaderSize + 2*ReferenceSize
	MapShallowSize     = ObjectHeaderSize + 6*LongSize
)

// Charges for a client's held-lock bookkeeping.
const (
	// LockNodeSize is charged once per resource a client holds.
	LockNodeSize = LongSize + MapNodeShallowSize
	// LockMapSize is charged once per resource type a client holds anything of.
	LockMapSize = MapShallowSize
)
