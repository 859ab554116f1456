package whiteboard

import (
	"strconv"
	"strings"

	"github.com/victornm/liveroom/internal/domain"
)

// IsNewer reports whether incoming should replace current: higher version wins,
// then higher updated timestamp, and on a full tie the incoming element wins.
func IsNewer(incoming, current domain.Element) bool {
	if incoming.Version != current.Version {
		return incoming.Version > current.Version
	}
	if incoming.Updated != current.Updated {
		return incoming.Updated > current.Updated
	}
	return true
}

// MergeScene merges incoming into current per element id. The result is the
// union of both scenes: incoming order first, then the elements only current
// knows about, truncated to MaxElements. Deletions travel as tombstones
// (isDeleted) on the incoming side.
func MergeScene(current, incoming []domain.Element) []domain.Element {
	byID := make(map[string]domain.Element, len(current))
	for _, e := range current {
		byID[e.ID] = e
	}

	merged := make([]domain.Element, 0, min(len(current)+len(incoming), MaxElements))
	seen := make(map[string]struct{}, len(incoming))

	for _, in := range incoming {
		if _, ok := seen[in.ID]; ok {
			continue
		}
		seen[in.ID] = struct{}{}

		if cur, ok := byID[in.ID]; ok && !IsNewer(in, cur) {
			merged = append(merged, cur)
			continue
		}
		merged = append(merged, in)
	}

	for _, cur := range current {
		if _, ok := seen[cur.ID]; ok {
			continue
		}
		seen[cur.ID] = struct{}{}
		merged = append(merged, cur)
	}

	if len(merged) > MaxElements {
		merged = merged[:MaxElements]
	}

	return merged
}

// Signature identifies the content of a scene for cheap equality checks.
func Signature(elements []domain.Element) string {
	var b strings.Builder
	for i, e := range elements {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(e.ID)
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(e.Version, 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(e.VersionNonce, 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatBool(e.IsDeleted))
	}
	return b.String()
}
