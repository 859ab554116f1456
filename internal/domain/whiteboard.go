package domain

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

type WriteMode string

const (
	WriteModeHostOnly WriteMode = "host-only"
	WriteModeApproved WriteMode = "approved"
	WriteModeAll      WriteMode = "all"
)

func (m WriteMode) Valid() bool {
	switch m {
	case WriteModeHostOnly, WriteModeApproved, WriteModeAll:
		return true
	}
	return false
}

// ElementTypeFreeDraw is the element type drawn by hand; it is meaningless without points.
const ElementTypeFreeDraw = "freedraw"

// Element is one whiteboard drawing element. Fields the server does not
// reason about are carried through Extra untouched.
type Element struct {
	ID           string  `mapstructure:"id"`
	Type         string  `mapstructure:"type"`
	Version      int64   `mapstructure:"version"`
	VersionNonce int64   `mapstructure:"versionNonce"`
	Updated      int64   `mapstructure:"updated"`
	IsDeleted    bool    `mapstructure:"isDeleted"`
	X            float64 `mapstructure:"x"`
	Y            float64 `mapstructure:"y"`
	Width        float64 `mapstructure:"width"`
	Height       float64 `mapstructure:"height"`

	// Points is decoded separately, one malformed point must not reject the element.
	Points [][2]float64 `mapstructure:"-"`
	// RawPoints holds the undecoded point list until it is sanitized.
	RawPoints []any `mapstructure:"-"`

	Extra map[string]any `mapstructure:",remain"`
}

// DecodeElement decodes a loosely typed client element. Numeric fields sent
// as strings are accepted.
func DecodeElement(m map[string]any) (Element, error) {
	var e Element

	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &e,
	})
	if err != nil {
		return Element{}, err
	}

	if err := d.Decode(m); err != nil {
		return Element{}, fmt.Errorf("decode element: %w", err)
	}

	delete(e.Extra, "points")
	if raw, ok := m["points"]; ok && raw != nil {
		pts, ok := raw.([]any)
		if !ok {
			return Element{}, fmt.Errorf("decode element: points is %T, not a list", raw)
		}
		e.RawPoints = pts
	}

	return e, nil
}

func (e Element) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Extra)+11)
	for k, v := range e.Extra {
		m[k] = v
	}

	m["id"] = e.ID
	m["type"] = e.Type
	m["version"] = e.Version
	m["versionNonce"] = e.VersionNonce
	m["updated"] = e.Updated
	m["isDeleted"] = e.IsDeleted
	m["x"] = e.X
	m["y"] = e.Y
	m["width"] = e.Width
	m["height"] = e.Height
	if e.Points != nil {
		m["points"] = e.Points
	}

	return json.Marshal(m)
}

func (e *Element) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}

	el, err := DecodeElement(m)
	if err != nil {
		return err
	}

	*e = el
	return nil
}

// WhiteboardSnapshot is the durable form of a room's whiteboard.
type WhiteboardSnapshot struct {
	Elements  []Element      `json:"elements"`
	AppState  map[string]any `json:"appState"`
	IsOpen    bool           `json:"isOpen"`
	WriteMode WriteMode      `json:"writeMode"`
	WriterIDs []string       `json:"writerIds"`
}
