package whiteboard

import (
	"math"
	"strings"

	"github.com/victornm/liveroom/internal/domain"
)

const (
	// MaxCoordinate bounds every position, dimension and point of an element.
	MaxCoordinate = 4000
	// MaxElements caps the size of a scene.
	MaxElements = 2000
	// MaxPoints caps the point list of a single element.
	MaxPoints = 5000

	maxIDLength   = 128
	maxTypeLength = 32
)

// SanitizeScene turns an untrusted client scene into elements that are safe to
// merge and broadcast. Invalid elements are dropped silently.
func SanitizeScene(raw []any) []domain.Element {
	elements := make([]domain.Element, 0, min(len(raw), MaxElements))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}

		e, err := domain.DecodeElement(m)
		if err != nil {
			continue
		}
		elements = append(elements, e)
	}

	return sanitizeElements(elements)
}

// sanitizeElements validates decoded elements, collapses duplicate ids to the
// newest copy and truncates to MaxElements.
func sanitizeElements(elements []domain.Element) []domain.Element {
	out := make([]domain.Element, 0, min(len(elements), MaxElements))
	index := make(map[string]int, len(out))

	for _, e := range elements {
		e, ok := sanitizeElement(e)
		if !ok {
			continue
		}

		if i, dup := index[e.ID]; dup {
			if IsNewer(e, out[i]) {
				out[i] = e
			}
			continue
		}

		if len(out) == MaxElements {
			continue
		}
		index[e.ID] = len(out)
		out = append(out, e)
	}

	return out
}

func sanitizeElement(e domain.Element) (domain.Element, bool) {
	e.ID = strings.TrimSpace(e.ID)
	e.Type = strings.TrimSpace(e.Type)
	if e.ID == "" || len(e.ID) > maxIDLength || e.Type == "" || len(e.Type) > maxTypeLength {
		return e, false
	}

	for _, v := range []float64{e.X, e.Y, e.Width, e.Height} {
		if !inBounds(v) {
			return e, false
		}
	}

	if e.Version < 0 {
		e.Version = 0
	}
	if e.Updated < 0 {
		e.Updated = 0
	}

	e.Points = sanitizePoints(e.RawPoints, e.Points)
	e.RawPoints = nil

	if e.Type == domain.ElementTypeFreeDraw && len(e.Points) == 0 {
		return e, false
	}

	return e, true
}

// sanitizePoints keeps the valid [x, y] pairs of raw, or of decoded when raw
// is empty (elements loaded back from storage).
func sanitizePoints(raw []any, decoded [][2]float64) [][2]float64 {
	if len(raw) == 0 && len(decoded) == 0 {
		return nil
	}

	pts := make([][2]float64, 0, min(len(raw)+len(decoded), MaxPoints))
	add := func(x, y float64) {
		if len(pts) < MaxPoints && inBounds(x) && inBounds(y) {
			pts = append(pts, [2]float64{x, y})
		}
	}

	for _, p := range decoded {
		add(p[0], p[1])
	}

	for _, r := range raw {
		pair, ok := r.([]any)
		if !ok || len(pair) < 2 {
			continue
		}
		x, okx := toFloat(pair[0])
		y, oky := toFloat(pair[1])
		if okx && oky {
			add(x, y)
		}
	}

	return pts
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func inBounds(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && math.Abs(v) <= MaxCoordinate
}
