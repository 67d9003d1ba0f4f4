package engine

import (
	"encoding/json"
	"strings"
)

// ParsedStep is a StepResponse recovered from stream-json output, plus any
// error reported in-band by the reasoner.
type ParsedStep struct {
	StepResponse
	ErrorText string
}

// streamEvent is used for initial type dispatch.
type streamEvent struct {
	Type string `json:"type"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// assistantEvent carries the model, text and tool_use blocks.
type assistantEvent struct {
	Message struct {
		Model   string         `json:"model"`
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

// resultEvent carries usage and the final status of the turn.
type resultEvent struct {
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseStream scans stream-json lines into one turn's response. Text blocks
// are joined, tool_use blocks become tool calls and usage is summed across
// result events. Lines that are not JSON objects are skipped.
func ParseStream(content string) (ParsedStep, error) {
	var out ParsedStep
	var texts []string
	seen := false

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var evt streamEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}

		switch evt.Type {
		case "assistant":
			var a assistantEvent
			if err := json.Unmarshal([]byte(line), &a); err != nil {
				continue
			}
			seen = true
			if a.Message.Model != "" {
				out.Model = a.Message.Model
			}
			for _, b := range a.Message.Content {
				switch b.Type {
				case "text":
					if b.Text != "" {
						texts = append(texts, b.Text)
					}
				case "tool_use":
					out.Calls = append(out.Calls, ToolCall{ID: b.ID, Name: b.Name, Args: b.Input})
				}
			}
		case "result":
			var r resultEvent
			if err := json.Unmarshal([]byte(line), &r); err != nil {
				continue
			}
			seen = true
			out.Usage.InputTokens += r.Usage.InputTokens
			out.Usage.OutputTokens += r.Usage.OutputTokens
			if r.IsError {
				out.ErrorText = firstNonEmpty(r.Result, "reasoner reported an error")
			}
		}
	}

	out.Text = strings.Join(texts, "\n")
	if !seen {
		return out, errNoOutput
	}
	return out, nil
}
