package aggregation

import (
	"fmt"
	"strings"
)

// BucketFromRow decodes one grouped view row.
// The key is [year, month, day, hour, minute, ...geohash chars] with the entity id
// appended after the last character of a leaf-resolution row.
func BucketFromRow(key []string, value int64, leaf int) (Bucket, error) {
	window, err := ParseWindowKey(key)
	if err != nil {
		return Bucket{}, fmt.Errorf("%w: %v", ErrMalformedBucket, err)
	}

	chars := key[windowKeyParts:]
	var entityID string
	if len(chars) == leaf+1 {
		entityID = chars[leaf]
		chars = chars[:leaf]
	}

	var prefix strings.Builder
	for i, c := range chars {
		if len(c) != 1 {
			return Bucket{}, fmt.Errorf("%w: key element %d %q is not a single geohash character", ErrMalformedBucket, windowKeyParts+i, c)
		}
		prefix.WriteString(c)
	}

	return Bucket{
		Window:   window,
		Prefix:   prefix.String(),
		EntityID: entityID,
		Count:    value,
	}, nil
}

// GroupLevels returns the view group levels that produce every row BuildTree needs:
// one level per aggregated depth from Min to Max, plus the leaf level with entity ids.
func (r Resolution) GroupLevels() []int {
	levels := make([]int, 0, r.Max-r.Min+2)
	for depth := r.Min; depth <= r.Max; depth++ {
		levels = append(levels, windowKeyParts+depth)
	}
	return append(levels, windowKeyParts+r.Leaf+1)
}
