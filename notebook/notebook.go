// Package notebook holds the in-memory notebook model and its nbformat v4
// JSON encoding.
package notebook

import (
	"encoding/json"

	"pkt.systems/notebuf/schema"
)

// Current nbformat version written by this package.
const (
	FormatMajor = 4
	FormatMinor = 5
)

// Document is an ordered list of cells plus notebook metadata.
type Document struct {
	Cells         []*Cell
	Metadata      map[string]json.RawMessage
	NBFormat      int
	NBFormatMinor int
}

// Cell is one notebook cell. Name is the buffer-visible name; ID is the
// nbformat cell id, kept equal to Name whenever Name is a valid id.
type Cell struct {
	ID             string
	Name           schema.CellName
	Kind           schema.CellKind
	Source         string
	Outputs        []Output
	ExecutionCount *int
	Metadata       map[string]any
}

// New returns an empty document at the current format version.
func New() *Document {
	return &Document{
		Metadata:      map[string]json.RawMessage{},
		NBFormat:      FormatMajor,
		NBFormatMinor: FormatMinor,
	}
}

// NewCell returns a cell with empty source and outputs.
func NewCell(kind schema.CellKind, name schema.CellName) *Cell {
	return &Cell{Name: name, Kind: kind, Metadata: map[string]any{}}
}

// Cell returns the cell with the given name.
func (d *Document) Cell(name schema.CellName) (*Cell, bool) {
	if d == nil || name == "" {
		return nil, false
	}
	for _, cell := range d.Cells {
		if cell.Name == name {
			return cell, true
		}
	}
	return nil, false
}

// Names returns the cell names in document order.
func (d *Document) Names() []schema.CellName {
	if d == nil {
		return nil
	}
	out := make([]schema.CellName, 0, len(d.Cells))
	for _, cell := range d.Cells {
		out = append(out, cell.Name)
	}
	return out
}

// ClearAllOutputs drops outputs and execution counts from every code cell.
func (d *Document) ClearAllOutputs() {
	if d == nil {
		return
	}
	for _, cell := range d.Cells {
		if cell.Kind != schema.CellCode {
			continue
		}
		cell.Outputs = nil
		cell.ExecutionCount = nil
	}
}

// LanguageInfo returns metadata.language_info when present.
func (d *Document) LanguageInfo() (schema.LanguageInfo, bool) {
	var info schema.LanguageInfo
	if d == nil || d.Metadata == nil {
		return info, false
	}
	raw, ok := d.Metadata["language_info"]
	if !ok {
		return info, false
	}
	if err := json.Unmarshal(raw, &info); err != nil || info.Name == "" {
		return schema.LanguageInfo{}, false
	}
	return info, true
}

// SetLanguageInfo stores metadata.language_info.
func (d *Document) SetLanguageInfo(info schema.LanguageInfo) {
	d.setMetadata("language_info", info)
}

// KernelSpec returns metadata.kernelspec when present.
func (d *Document) KernelSpec() (schema.KernelSpecRef, bool) {
	var spec schema.KernelSpecRef
	if d == nil || d.Metadata == nil {
		return spec, false
	}
	raw, ok := d.Metadata["kernelspec"]
	if !ok {
		return spec, false
	}
	if err := json.Unmarshal(raw, &spec); err != nil || spec.Name == "" {
		return schema.KernelSpecRef{}, false
	}
	return spec, true
}

// SetKernelSpec stores metadata.kernelspec.
func (d *Document) SetKernelSpec(spec schema.KernelSpecRef) {
	d.setMetadata("kernelspec", spec)
}

func (d *Document) setMetadata(key string, value any) {
	if d == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if d.Metadata == nil {
		d.Metadata = map[string]json.RawMessage{}
	}
	d.Metadata[key] = data
}

// Clone returns a deep copy of the cell.
func (c *Cell) Clone() *Cell {
	if c == nil {
		return nil
	}
	out := *c
	out.Outputs = append([]Output(nil), c.Outputs...)
	if c.ExecutionCount != nil {
		n := *c.ExecutionCount
		out.ExecutionCount = &n
	}
	out.Metadata = make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	return &out
}
