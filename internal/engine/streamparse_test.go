package engine

import (
	"errors"
	"testing"
)

func TestParseStream_Empty(t *testing.T) {
	_, err := ParseStream("")
	if !errors.Is(err, errNoOutput) {
		t.Errorf("err = %v, want errNoOutput", err)
	}
}

func TestParseStream_TextAndTools(t *testing.T) {
	content := `{"type":"system","subtype":"init"}
{"type":"assistant","message":{"model":"opus","content":[{"type":"text","text":"Let me vote."},{"type":"tool_use","id":"tu_1","name":"cast_vote","input":{"decision_id":"dec-1","vote":"yes"}}]}}
some non-json debug line
{"type":"assistant","message":{"content":[{"type":"text","text":"Then save."}]}}
{"type":"result","subtype":"success","usage":{"input_tokens":100,"output_tokens":50}}
{"type":"result","subtype":"success","usage":{"input_tokens":200,"output_tokens":75}}`

	got, err := ParseStream(content)
	if err != nil {
		t.Fatalf("ParseStream: %v", err)
	}
	if got.Text != "Let me vote.\nThen save." {
		t.Errorf("Text = %q", got.Text)
	}
	if got.Model != "opus" {
		t.Errorf("Model = %q, want opus", got.Model)
	}
	if len(got.Calls) != 1 || got.Calls[0].ID != "tu_1" || got.Calls[0].Name != "cast_vote" {
		t.Fatalf("Calls = %+v", got.Calls)
	}
	if string(got.Calls[0].Args) != `{"decision_id":"dec-1","vote":"yes"}` {
		t.Errorf("Args = %s", got.Calls[0].Args)
	}
	if got.Usage.InputTokens != 300 || got.Usage.OutputTokens != 125 {
		t.Errorf("Usage = %+v, want 300/125", got.Usage)
	}
}

func TestParseStream_ErrorResult(t *testing.T) {
	got, err := ParseStream(`{"type":"result","is_error":true,"result":"API Error: 529 overloaded"}`)
	if err != nil {
		t.Fatalf("ParseStream: %v", err)
	}
	if got.ErrorText != "API Error: 529 overloaded" {
		t.Errorf("ErrorText = %q", got.ErrorText)
	}
}
