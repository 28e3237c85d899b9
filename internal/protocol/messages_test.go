package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessagePrompt(t *testing.T) {
	raw := []byte(`{"type":"client_prompt","session_id":"s1","text":"hello there","granularity":"char","step_delay_ms":20}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	prompt, ok := msg.(ClientPrompt)
	if !ok {
		t.Fatalf("message type = %T, want ClientPrompt", msg)
	}
	if prompt.SessionID != "s1" || prompt.Text != "hello there" {
		t.Fatalf("unexpected prompt: %+v", prompt)
	}
	if prompt.Granularity != "char" || prompt.StepDelayMS != 20 {
		t.Fatalf("Granularity/StepDelayMS = %q/%d, want char/20", prompt.Granularity, prompt.StepDelayMS)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsBadEnvelope(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"cancel","turn_id":"t1"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionCancel || control.TurnID != "t1" {
		t.Fatalf("unexpected client control: %+v", control)
	}
}

func TestParseClientMessageValidation(t *testing.T) {
	cases := map[string]string{
		"empty prompt":      `{"type":"client_prompt","session_id":"s1","text":"  "}`,
		"prompt no session": `{"type":"client_prompt","text":"hi"}`,
		"negative delay":    `{"type":"client_prompt","session_id":"s1","text":"hi","step_delay_ms":-5}`,
		"unknown action":    `{"type":"client_control","session_id":"s1","action":"stop","turn_id":"t1"}`,
		"missing turn":      `{"type":"client_control","session_id":"s1","action":"subscribe"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(raw))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if errors.Is(err, ErrUnsupportedType) {
				t.Fatalf("error = %v, want validation error", err)
			}
		})
	}
}

func TestAssistantTextJSONShape(t *testing.T) {
	raw, err := json.Marshal(AssistantText{
		Type:      TypeAssistantText,
		SessionID: "s1",
		TurnID:    "t1",
		Text:      "Hello ",
		Seq:       2,
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"type":"assistant_text","session_id":"s1","turn_id":"t1","text":"Hello ","seq":2}`
	if string(raw) != want {
		t.Fatalf("json = %s, want %s", raw, want)
	}
}
