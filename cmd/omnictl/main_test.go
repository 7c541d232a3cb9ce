package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestRequestBuilding(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		args    []string
		want    map[string]any
		wantErr bool
	}{
		{"status all", "status", nil, map[string]any{}, false},
		{"status one", "status", []string{"tg"}, map[string]any{"provider": "tg"}, false},
		{"auth", "auth", []string{"tg", "+15551234567"}, map[string]any{"provider": "tg", "value": "+15551234567"}, false},
		{"auth missing value", "auth", []string{"tg"}, nil, true},
		{"send joins words", "send", []string{"wa", "c1", "hello", "there"}, map[string]any{"provider": "wa", "chat_id": "c1", "body": "hello there"}, false},
		{"send without text", "send", []string{"wa", "c1"}, nil, true},
		{"history cursor", "history", []string{"tg", "u1", "13"}, map[string]any{"provider": "tg", "chat_id": "u1", "cursor": "13"}, false},
		{"context n", "context", []string{"tg", "u1", "5"}, map[string]any{"provider": "tg", "chat_id": "u1", "n": 5}, false},
		{"context bad n", "context", []string{"tg", "u1", "x"}, nil, true},
		{"search in chat", "search", []string{"tg", "hi", "u1"}, map[string]any{"provider": "tg", "query": "hi", "chat_id": "u1"}, false},
		{"extra arg", "roster", []string{"tg", "oops"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := commands[tt.cmd].request(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("request = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestEveryCommandHasMethod(t *testing.T) {
	for name, cmd := range commands {
		if cmd.method == "" || cmd.request == nil {
			t.Errorf("command %s is incomplete", name)
		}
	}
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"text", "json", "yaml"} {
		if _, err := parseFormat(s); err != nil {
			t.Errorf("parseFormat(%q) = %v", s, err)
		}
	}
	if _, err := parseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func sampleRoster() map[string]any {
	return map[string]any{
		"chats": []any{
			map[string]any{"id": "u1", "name": "Alice", "kind": "direct", "can_send": true, "unread_count": float64(2),
				"last_message": map[string]any{"text": "hi"}},
			map[string]any{"id": "news", "name": "News", "kind": "channel", "can_send": false, "unread_count": float64(0),
				"last_message": map[string]any{"text": ""}},
		},
	}
}

func TestRenderFormats(t *testing.T) {
	var buf bytes.Buffer
	if err := render(&buf, formatJSON, textRoster, sampleRoster()); err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json output: %v", err)
	}

	buf.Reset()
	if err := render(&buf, formatYAML, textRoster, sampleRoster()); err != nil {
		t.Fatal(err)
	}
	decoded = nil
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("yaml output: %v", err)
	}
	if chats, _ := decoded["chats"].([]any); len(chats) != 2 {
		t.Errorf("yaml chats = %v", decoded["chats"])
	}

	buf.Reset()
	if err := render(&buf, formatText, textRoster, sampleRoster()); err != nil {
		t.Fatal(err)
	}
	text := buf.String()
	if !strings.Contains(text, "News (read-only)") || !strings.Contains(text, "Alice") {
		t.Errorf("text output:\n%s", text)
	}
}

func TestStrFormatsNumbers(t *testing.T) {
	m := map[string]any{"ms": float64(1714564800000), "n": float64(3), "missing": nil}
	if got := str(m, "ms"); got != "1714564800000" {
		t.Errorf("ms = %q", got)
	}
	if got := str(m, "n"); got != "3" {
		t.Errorf("n = %q", got)
	}
	if got := str(m, "missing") + str(m, "absent"); got != "" {
		t.Errorf("missing = %q", got)
	}
}

func TestTerminalSafe(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"two\nlines", "two lines"},
		{"\x1b[31mred\x1b[0m", "[31mred[0m"},
		{"bell\a", "bell"},
		{"evil\u202etxt.exe", "eviltxt.exe"},
		{"olá 👍", "olá 👍"},
	}
	for _, tt := range tests {
		if got := terminalSafe(tt.in); got != tt.want {
			t.Errorf("terminalSafe(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
