// ABOUTME: Parsing of subprocess stdout NDJSON records into operator summaries
// ABOUTME: Unparseable lines pass through verbatim

package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// streamRecord is the loosely-typed shape of one stdout NDJSON line. The
// subprocess's format is not under our control, so every field is optional
// and anything unrecognized falls back to the raw line.
type streamRecord struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Message json.RawMessage `json:"message"`
	Result  string          `json:"result"`
	Error   string          `json:"error"`
	IsError bool            `json:"is_error"`
}

// assistantMessage is the nested message shape for type=assistant records.
type assistantMessage struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
		Name string `json:"name"`
	} `json:"content"`
}

const previewLimit = 120

var (
	assistantColor = color.New(color.FgCyan)
	toolColor      = color.New(color.FgYellow)
	resultColor    = color.New(color.FgGreen)
	errorColor     = color.New(color.FgRed)
	systemColor    = color.New(color.Faint)
)

// parseStreamLine decodes one stdout line. ok is false when the line is not
// a structured record, in which case the caller logs it verbatim.
func parseStreamLine(line string) (rec streamRecord, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] != '{' {
		return streamRecord{}, false
	}
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil || rec.Type == "" {
		return streamRecord{}, false
	}
	return rec, true
}

// summarize renders a one-line operator summary for a parsed record.
// Returns "" for records with nothing worth showing.
func summarize(rec streamRecord) string {
	switch rec.Type {
	case "assistant":
		var msg assistantMessage
		if err := json.Unmarshal(rec.Message, &msg); err != nil {
			return ""
		}
		var parts []string
		for _, c := range msg.Content {
			switch c.Type {
			case "text":
				if text := preview(c.Text); text != "" {
					parts = append(parts, assistantColor.Sprint(text))
				}
			case "tool_use":
				parts = append(parts, toolColor.Sprintf("[tool: %s]", c.Name))
			}
		}
		return strings.Join(parts, " ")
	case "tool_use":
		var msg struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(rec.Message, &msg)
		return toolColor.Sprintf("[tool: %s]", msg.Name)
	case "result":
		if rec.IsError || rec.Subtype == "error" {
			return errorColor.Sprintf("[result error] %s", preview(rec.Result))
		}
		return resultColor.Sprintf("[result] %s", preview(rec.Result))
	case "error":
		return errorColor.Sprintf("[error] %s", preview(rec.Error))
	case "system":
		if rec.Subtype != "" {
			return systemColor.Sprintf("[system: %s]", rec.Subtype)
		}
		return systemColor.Sprint("[system]")
	}
	return ""
}

// resultText extracts the terminal output text from a result record.
func resultText(rec streamRecord) (string, bool) {
	if rec.Type == "result" && rec.Result != "" {
		return rec.Result, true
	}
	return "", false
}

func preview(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) > previewLimit {
		return fmt.Sprintf("%s...", s[:previewLimit])
	}
	return s
}
