package aggregation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrReconciliation means child counts do not add up to their parent's count,
	// usually because writes landed between the engine emitting the two levels.
	ErrReconciliation = errors.New("aggregation counts do not reconcile")

	// ErrDuplicatePrefix means the same grouping key appeared twice in one listing.
	ErrDuplicatePrefix = errors.New("duplicate geohash prefix")

	// ErrMalformedBucket means a row is outside the configured resolutions or windows.
	ErrMalformedBucket = errors.New("malformed bucket")
)

// ReconciliationError carries the node whose children failed to sum to its count.
type ReconciliationError struct {
	Window   WindowKey
	Prefix   string
	Expected int64
	Got      int64
	Reason   string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %q in window %s: %s (expected %d, children sum %d)",
		e.Prefix, e.Window, e.Reason, e.Expected, e.Got)
}

func (e *ReconciliationError) Unwrap() error {
	return ErrReconciliation
}

// Validate checks 1 <= Min <= Max < Leaf.
func (r Resolution) Validate() error {
	if r.Min < 1 {
		return fmt.Errorf("min resolution must be >= 1, got %d", r.Min)
	}
	if r.Max < r.Min {
		return fmt.Errorf("max resolution %d must be >= min resolution %d", r.Max, r.Min)
	}
	if r.Leaf <= r.Max {
		return fmt.Errorf("leaf resolution %d must be > max resolution %d", r.Leaf, r.Max)
	}
	return nil
}

// BuildTree rebuilds the prefix tree from a grouped count listing for a single window.
//
// The listing is the pre-order flattening of the tree: rows arrive in ascending key
// order, so a parent row is immediately followed by its subtree. Each node consumes
// children until their counts add up to its own. A listing of leaf rows only yields
// a flat forest.
func BuildTree(buckets []Bucket, res Resolution) ([]*Node, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	if err := checkBuckets(buckets, res); err != nil {
		return nil, err
	}

	p := &treeParser{buckets: buckets, res: res}
	var roots []*Node
	for p.pos < len(p.buckets) {
		if n := len(roots); n > 0 {
			last := roots[n-1]
			next := p.buckets[p.pos]
			if isBelow(last.Prefix, next.Prefix) {
				return nil, &ReconciliationError{
					Window:   next.Window,
					Prefix:   last.Prefix,
					Expected: last.Count,
					Got:      last.Count + next.Count,
					Reason:   fmt.Sprintf("row %q left over after parent completed", next.Prefix),
				}
			}
		}
		node, err := p.parse()
		if err != nil {
			return nil, err
		}
		roots = append(roots, node)
	}
	return roots, nil
}

type treeParser struct {
	buckets []Bucket
	pos     int
	res     Resolution
}

// parse consumes the row at the cursor and, unless it is a leaf, the rows of its subtree.
func (p *treeParser) parse() (*Node, error) {
	b := p.buckets[p.pos]
	p.pos++

	node := &Node{Prefix: b.Prefix, EntityID: b.EntityID, Count: b.Count}
	if len(b.Prefix) == p.res.Leaf {
		return node, nil
	}

	remainder := b.Count
	for remainder > 0 {
		if p.pos >= len(p.buckets) {
			return nil, &ReconciliationError{
				Window:   b.Window,
				Prefix:   b.Prefix,
				Expected: b.Count,
				Got:      b.Count - remainder,
				Reason:   "listing exhausted",
			}
		}
		next := p.buckets[p.pos]
		if !p.isChild(b.Prefix, next.Prefix) {
			return nil, &ReconciliationError{
				Window:   b.Window,
				Prefix:   b.Prefix,
				Expected: b.Count,
				Got:      b.Count - remainder,
				Reason:   fmt.Sprintf("row %q is not a child", next.Prefix),
			}
		}

		child, err := p.parse()
		if err != nil {
			return nil, err
		}
		remainder -= child.Count
		if remainder < 0 {
			return nil, &ReconciliationError{
				Window:   b.Window,
				Prefix:   b.Prefix,
				Expected: b.Count,
				Got:      b.Count - remainder,
				Reason:   "children exceed parent",
			}
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// isChild reports whether a row at prefix child directly belongs under parent.
// Past the configured maximum the engine only emits leaf rows, so a parent at Max
// adopts leaf-resolution rows directly.
func (p *treeParser) isChild(parent, child string) bool {
	if !strings.HasPrefix(child, parent) {
		return false
	}
	if len(child) == len(parent)+1 {
		return true
	}
	return len(parent) == p.res.Max && len(child) == p.res.Leaf
}

func isBelow(parent, prefix string) bool {
	return len(prefix) > len(parent) && strings.HasPrefix(prefix, parent)
}

func checkBuckets(buckets []Bucket, res Resolution) error {
	if len(buckets) == 0 {
		return nil
	}
	window := buckets[0].Window
	seen := make(map[string]struct{}, len(buckets))
	for _, b := range buckets {
		if b.Window != window {
			return fmt.Errorf("%w: row %q in window %s, listing is for %s", ErrMalformedBucket, b.Prefix, b.Window, window)
		}
		depth := len(b.Prefix)
		if depth < res.Min || (depth > res.Max && depth != res.Leaf) {
			return fmt.Errorf("%w: prefix %q has depth %d outside [%d,%d] and leaf %d", ErrMalformedBucket, b.Prefix, depth, res.Min, res.Max, res.Leaf)
		}
		if b.Count < 0 {
			return fmt.Errorf("%w: prefix %q has negative count %d", ErrMalformedBucket, b.Prefix, b.Count)
		}
		key := b.Prefix + "\x00" + b.EntityID
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %q (entity %q) in window %s", ErrDuplicatePrefix, b.Prefix, b.EntityID, b.Window)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Walk visits the forest in pre-order. Returning false from fn skips the
// node's subtree.
func Walk(forest []*Node, fn func(n *Node) bool) {
	for _, n := range forest {
		if fn(n) {
			Walk(n.Children, fn)
		}
	}
}

// Leaves returns the leaf nodes of the forest in pre-order.
func Leaves(forest []*Node) []*Node {
	var out []*Node
	Walk(forest, func(n *Node) bool {
		if n.IsLeaf() {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Sum returns the total count across the root nodes.
func Sum(forest []*Node) int64 {
	var total int64
	for _, n := range forest {
		total += n.Count
	}
	return total
}
