package notebook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/notebuf/schema"
)

// multiline is an nbformat multiline string: a string or a list of lines on
// read, always a list of lines (ends kept) on write.
type multiline string

func (m multiline) MarshalJSON() ([]byte, error) {
	return json.Marshal(splitLinesKeepEnds(string(m)))
}

func (m *multiline) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = multiline(s)
		return nil
	}
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("multiline string: %w", err)
	}
	*m = multiline(strings.Join(parts, ""))
	return nil
}

func splitLinesKeepEnds(text string) []string {
	if text == "" {
		return []string{}
	}
	out := []string{}
	for text != "" {
		idx := strings.IndexByte(text, '\n')
		if idx == -1 {
			out = append(out, text)
			break
		}
		out = append(out, text[:idx+1])
		text = text[idx+1:]
	}
	return out
}

type cellJSON struct {
	Attachments    json.RawMessage `json:"attachments,omitempty"`
	CellType       string          `json:"cell_type"`
	ExecutionCount *int            `json:"execution_count"`
	ID             string          `json:"id,omitempty"`
	Metadata       map[string]any  `json:"metadata"`
	Outputs        []Output        `json:"outputs"`
	Source         multiline       `json:"source"`
}

type markdownCellJSON struct {
	CellType string         `json:"cell_type"`
	ID       string         `json:"id,omitempty"`
	Metadata map[string]any `json:"metadata"`
	Source   multiline      `json:"source"`
}

type codeCellJSON struct {
	CellType       string         `json:"cell_type"`
	ExecutionCount *int           `json:"execution_count"`
	ID             string         `json:"id,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	Outputs        []Output       `json:"outputs"`
	Source         multiline      `json:"source"`
}

type documentJSON struct {
	Cells         []json.RawMessage          `json:"cells"`
	Metadata      map[string]json.RawMessage `json:"metadata"`
	NBFormat      int                        `json:"nbformat"`
	NBFormatMinor int                        `json:"nbformat_minor"`
}

// Marshal encodes the document as nbformat v4 JSON with one-space indentation.
func Marshal(doc *Document) ([]byte, error) {
	if doc == nil {
		doc = New()
	}
	out := documentJSON{
		Cells:         make([]json.RawMessage, 0, len(doc.Cells)),
		Metadata:      doc.Metadata,
		NBFormat:      FormatMajor,
		NBFormatMinor: FormatMinor,
	}
	if out.Metadata == nil {
		out.Metadata = map[string]json.RawMessage{}
	}
	used := map[string]struct{}{}
	for _, cell := range doc.Cells {
		id := cellID(cell, used)
		used[id] = struct{}{}
		var (
			data []byte
			err  error
		)
		switch cell.Kind {
		case schema.CellCode:
			outputs := cell.Outputs
			if outputs == nil {
				outputs = []Output{}
			}
			data, err = json.Marshal(codeCellJSON{
				CellType:       string(schema.CellCode),
				ExecutionCount: cell.ExecutionCount,
				ID:             id,
				Metadata:       nonNilMap(cell.Metadata),
				Outputs:        outputs,
				Source:         multiline(cell.Source),
			})
		default:
			data, err = json.Marshal(markdownCellJSON{
				CellType: string(schema.CellMarkdown),
				ID:       id,
				Metadata: nonNilMap(cell.Metadata),
				Source:   multiline(cell.Source),
			})
		}
		if err != nil {
			return nil, fmt.Errorf("encode cell %q: %w", cell.Name, err)
		}
		out.Cells = append(out.Cells, data)
	}
	data, err := json.MarshalIndent(out, "", " ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Unmarshal decodes nbformat v4 JSON. Raw cells are read as markdown. Cell
// ids that are valid cell names become the cell names.
func Unmarshal(data []byte) (*Document, error) {
	var in documentJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	if in.NBFormat != FormatMajor {
		return nil, fmt.Errorf("unsupported nbformat %d", in.NBFormat)
	}
	doc := New()
	if in.Metadata != nil {
		doc.Metadata = in.Metadata
	}
	doc.NBFormatMinor = in.NBFormatMinor
	seen := map[schema.CellName]struct{}{}
	for i, raw := range in.Cells {
		var c cellJSON
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}
		kind := schema.CellMarkdown
		if c.CellType == string(schema.CellCode) {
			kind = schema.CellCode
		}
		cell := &Cell{
			ID:       c.ID,
			Kind:     kind,
			Source:   string(c.Source),
			Metadata: nonNilMap(c.Metadata),
		}
		if kind == schema.CellCode {
			cell.Outputs = c.Outputs
			cell.ExecutionCount = c.ExecutionCount
		}
		name := schema.CellName(c.ID)
		if _, dup := seen[name]; !dup && schema.ValidateCellName(name) == nil {
			cell.Name = name
			seen[name] = struct{}{}
		}
		doc.Cells = append(doc.Cells, cell)
	}
	return doc, nil
}

// cellID picks the nbformat id for a cell: its name when the name is a legal
// id, otherwise its previous id, otherwise a fresh random id.
func cellID(cell *Cell, used map[string]struct{}) string {
	candidates := []string{string(cell.Name), cell.ID}
	for _, id := range candidates {
		if validID(id) {
			if _, taken := used[id]; !taken {
				cell.ID = id
				return id
			}
		}
	}
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, taken := used[id]; !taken {
			cell.ID = id
			return id
		}
	}
}

func validID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
