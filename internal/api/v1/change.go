package v1

import (
	"encoding/json"
	"fmt"
)

// ChangeEvent is one entry of the document store's change feed.
type ChangeEvent struct {
	ID       string          `json:"id"`
	Revision string          `json:"rev"`
	Deleted  bool            `json:"deleted,omitempty"`
	Doc      json.RawMessage `json:"doc,omitempty"`
}

type typeProbe struct {
	Type string `json:"type"`
}

// Type returns the document's type discriminator, or "" if the body has none.
func (e ChangeEvent) Type() string {
	if len(e.Doc) == 0 {
		return ""
	}
	var probe typeProbe
	if err := json.Unmarshal(e.Doc, &probe); err != nil {
		return ""
	}
	return probe.Type
}

// Position decodes the body as a position report.
func (e ChangeEvent) Position() (PositionReport, error) {
	var p PositionReport
	if err := json.Unmarshal(e.Doc, &p); err != nil {
		return PositionReport{}, fmt.Errorf("decode position %s: %w", e.ID, err)
	}
	if p.ID == "" {
		p.ID = e.ID
	}
	return p, nil
}
