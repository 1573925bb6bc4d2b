package schema

import (
	"encoding/json"
	"sort"
	"strings"
)

// MimeBundle maps MIME types to representations. Text values may arrive as
// a string or as a list of strings.
type MimeBundle map[string]any

// Text returns the textual representation stored under mime.
func (b MimeBundle) Text(mime string) (string, bool) {
	if b == nil {
		return "", false
	}
	raw, ok := b[mime]
	if !ok {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, true
	case []string:
		return strings.Join(v, ""), true
	case []any:
		var sb strings.Builder
		for _, part := range v {
			s, ok := part.(string)
			if !ok {
				return "", false
			}
			sb.WriteString(s)
		}
		return sb.String(), true
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}

// Has reports whether the bundle carries mime.
func (b MimeBundle) Has(mime string) bool {
	_, ok := b[mime]
	return ok
}

// Types returns the MIME keys in sorted order.
func (b MimeBundle) Types() []string {
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Common MIME types.
const (
	MIMETextPlain = "text/plain"
	MIMEImagePNG  = "image/png"
	MIMEImageJPEG = "image/jpeg"
	MIMEImageSVG  = "image/svg+xml"
)

// StatusContent is the payload of status messages.
type StatusContent struct {
	ExecutionState ExecutionState `json:"execution_state"`
}

// StreamContent is the payload of stream messages.
type StreamContent struct {
	Name StreamName `json:"name"`
	Text string     `json:"text"`
}

// ExecuteResultContent is the payload of execute_result messages.
type ExecuteResultContent struct {
	ExecutionCount int            `json:"execution_count"`
	Data           MimeBundle     `json:"data"`
	Metadata       map[string]any `json:"metadata"`
}

// DisplayDataContent is the payload of display_data messages.
type DisplayDataContent struct {
	Data      MimeBundle     `json:"data"`
	Metadata  map[string]any `json:"metadata"`
	Transient map[string]any `json:"transient,omitempty"`
}

// ExecuteInputContent is the payload of execute_input echoes.
type ExecuteInputContent struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

// ClearOutputContent is the payload of clear_output messages.
type ClearOutputContent struct {
	Wait bool `json:"wait"`
}

// ErrorContent is the payload of error messages and failed replies.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// InputRequestContent is the payload of input_request messages.
type InputRequestContent struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

// InputReplyContent answers an input_request.
type InputReplyContent struct {
	Value string `json:"value"`
}

// ExecuteRequestContent asks the kernel to run code.
type ExecuteRequestContent struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// ExecuteReplyContent is the payload of execute_reply messages.
type ExecuteReplyContent struct {
	Status         ReplyStatus      `json:"status"`
	ExecutionCount int              `json:"execution_count"`
	Payload        []map[string]any `json:"payload,omitempty"`
	EName          string           `json:"ename,omitempty"`
	EValue         string           `json:"evalue,omitempty"`
	Traceback      []string         `json:"traceback,omitempty"`
}

// LanguageInfo describes the kernel language; it is also stored in notebook metadata.
type LanguageInfo struct {
	Name              string `json:"name"`
	Version           string `json:"version,omitempty"`
	MimeType          string `json:"mimetype,omitempty"`
	FileExtension     string `json:"file_extension,omitempty"`
	PygmentsLexer     string `json:"pygments_lexer,omitempty"`
	CodemirrorMode    any    `json:"codemirror_mode,omitempty"`
	NbconvertExporter string `json:"nbconvert_exporter,omitempty"`
}

// KernelInfoReplyContent is the payload of kernel_info_reply.
type KernelInfoReplyContent struct {
	Status                ReplyStatus  `json:"status"`
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
}

// IsCompleteRequestContent asks whether code is ready to run.
type IsCompleteRequestContent struct {
	Code string `json:"code"`
}

// IsCompleteReplyContent answers an is_complete_request.
type IsCompleteReplyContent struct {
	Status string `json:"status"`
	Indent string `json:"indent,omitempty"`
}

// ShutdownContent is the payload of shutdown requests and replies.
type ShutdownContent struct {
	Restart bool   `json:"restart"`
	Status  string `json:"status,omitempty"`
}

// KernelSpecRef is the kernelspec entry stored in notebook metadata.
type KernelSpecRef struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language,omitempty"`
}
