package aggregation

import "time"

// Window key layout of the grouped view: [year, month, day, hour, minute, ...geohash chars, entityId].
const windowKeyParts = 5

// WindowKey identifies a one-minute aggregation window in UTC.
type WindowKey struct {
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
}

// Bucket is one grouped count row returned by the view engine.
// EntityID is only present on leaf rows, where the key carries the reporting entity.
type Bucket struct {
	Window   WindowKey
	Prefix   string
	EntityID string
	Count    int64
}

// Node is a geohash prefix in the aggregation tree.
// When Children is non-empty, Count equals the sum of the children's counts.
type Node struct {
	Prefix   string
	EntityID string
	Count    int64
	Children []*Node
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// Resolution bounds the geohash depths the tree builder accepts.
//
//	Min  - depth of the root nodes
//	Max  - deepest aggregated prefix requested from the view engine
//	Leaf - the engine's real geohash precision; leaf rows carry an entity id
type Resolution struct {
	Min  int
	Max  int
	Leaf int
}

// DefaultResolution matches the precision position reports are produced with.
func DefaultResolution() Resolution {
	return Resolution{Min: 1, Max: 4, Leaf: 9}
}

// LiveEntry is the last known position of one entity in push mode.
type LiveEntry struct {
	EntityID string
	Geohash  string
	LastSeen time.Time
}
