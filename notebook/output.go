package notebook

import (
	"encoding/json"
	"fmt"

	"pkt.systems/notebuf/schema"
)

// OutputType is the nbformat output_type tag.
type OutputType string

const (
	OutputStream        OutputType = "stream"
	OutputExecuteResult OutputType = "execute_result"
	OutputDisplayData   OutputType = "display_data"
	OutputError         OutputType = "error"
)

// Output is one stored output record of a code cell.
type Output struct {
	Type           OutputType
	Name           schema.StreamName
	Text           string
	Data           schema.MimeBundle
	Metadata       map[string]any
	ExecutionCount *int
	EName          string
	EValue         string
	Traceback      []string
}

// FromMessage converts an iopub message into an output record. Messages that
// do not produce outputs return ok=false.
func FromMessage(msg schema.Message) (Output, bool, error) {
	switch msg.Type() {
	case schema.MsgStream:
		var content schema.StreamContent
		if err := msg.DecodeContent(&content); err != nil {
			return Output{}, false, err
		}
		return Output{Type: OutputStream, Name: content.Name, Text: content.Text}, true, nil
	case schema.MsgExecuteResult:
		var content schema.ExecuteResultContent
		if err := msg.DecodeContent(&content); err != nil {
			return Output{}, false, err
		}
		count := content.ExecutionCount
		return Output{
			Type:           OutputExecuteResult,
			Data:           content.Data,
			Metadata:       content.Metadata,
			ExecutionCount: &count,
		}, true, nil
	case schema.MsgDisplayData:
		var content schema.DisplayDataContent
		if err := msg.DecodeContent(&content); err != nil {
			return Output{}, false, err
		}
		return Output{Type: OutputDisplayData, Data: content.Data, Metadata: content.Metadata}, true, nil
	case schema.MsgError:
		var content schema.ErrorContent
		if err := msg.DecodeContent(&content); err != nil {
			return Output{}, false, err
		}
		return Output{
			Type:      OutputError,
			EName:     content.EName,
			EValue:    content.EValue,
			Traceback: content.Traceback,
		}, true, nil
	default:
		return Output{}, false, nil
	}
}

type streamJSON struct {
	Name       schema.StreamName `json:"name"`
	OutputType OutputType        `json:"output_type"`
	Text       multiline         `json:"text"`
}

type executeResultJSON struct {
	Data           map[string]any `json:"data"`
	ExecutionCount *int           `json:"execution_count"`
	Metadata       map[string]any `json:"metadata"`
	OutputType     OutputType     `json:"output_type"`
}

type displayDataJSON struct {
	Data       map[string]any `json:"data"`
	Metadata   map[string]any `json:"metadata"`
	OutputType OutputType     `json:"output_type"`
}

type errorJSON struct {
	EName      string     `json:"ename"`
	EValue     string     `json:"evalue"`
	OutputType OutputType `json:"output_type"`
	Traceback  []string   `json:"traceback"`
}

// MarshalJSON encodes the record in the nbformat shape for its type.
func (o Output) MarshalJSON() ([]byte, error) {
	switch o.Type {
	case OutputStream:
		return json.Marshal(streamJSON{Name: o.Name, OutputType: o.Type, Text: multiline(o.Text)})
	case OutputExecuteResult:
		return json.Marshal(executeResultJSON{
			Data:           encodeBundle(o.Data),
			ExecutionCount: o.ExecutionCount,
			Metadata:       nonNilMap(o.Metadata),
			OutputType:     o.Type,
		})
	case OutputDisplayData:
		return json.Marshal(displayDataJSON{
			Data:       encodeBundle(o.Data),
			Metadata:   nonNilMap(o.Metadata),
			OutputType: o.Type,
		})
	case OutputError:
		tb := o.Traceback
		if tb == nil {
			tb = []string{}
		}
		return json.Marshal(errorJSON{EName: o.EName, EValue: o.EValue, OutputType: o.Type, Traceback: tb})
	default:
		return nil, fmt.Errorf("unknown output type %q", o.Type)
	}
}

// UnmarshalJSON decodes any nbformat output record.
func (o *Output) UnmarshalJSON(data []byte) error {
	var raw struct {
		OutputType     OutputType        `json:"output_type"`
		Name           schema.StreamName `json:"name"`
		Text           multiline         `json:"text"`
		Data           schema.MimeBundle `json:"data"`
		Metadata       map[string]any    `json:"metadata"`
		ExecutionCount *int              `json:"execution_count"`
		EName          string            `json:"ename"`
		EValue         string            `json:"evalue"`
		Traceback      []string          `json:"traceback"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.OutputType {
	case OutputStream, OutputExecuteResult, OutputDisplayData, OutputError:
	default:
		return fmt.Errorf("unknown output type %q", raw.OutputType)
	}
	*o = Output{
		Type:           raw.OutputType,
		Name:           raw.Name,
		Text:           string(raw.Text),
		Data:           raw.Data,
		Metadata:       raw.Metadata,
		ExecutionCount: raw.ExecutionCount,
		EName:          raw.EName,
		EValue:         raw.EValue,
		Traceback:      raw.Traceback,
	}
	return nil
}

// encodeBundle splits textual representations into line lists the way
// nbformat writers do; binary payloads stay single strings.
func encodeBundle(bundle schema.MimeBundle) map[string]any {
	out := make(map[string]any, len(bundle))
	for mime, value := range bundle {
		text, isString := value.(string)
		if isString && splitsLines(mime) {
			out[mime] = splitLinesKeepEnds(text)
			continue
		}
		out[mime] = value
	}
	return out
}

func splitsLines(mime string) bool {
	if len(mime) >= 5 && mime[:5] == "text/" {
		return true
	}
	return mime == schema.MIMEImageSVG || mime == "application/javascript"
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
