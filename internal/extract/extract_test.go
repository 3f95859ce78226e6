package extract

import (
	"encoding/json"
	"testing"
)

func TestFirstObject(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{
			name:   "bare object",
			input:  `{"reply": "hello"}`,
			want:   `{"reply": "hello"}`,
			wantOK: true,
		},
		{
			name:   "prose around object",
			input:  `The agent said {"reply": "hi"} and stopped.`,
			want:   `{"reply": "hi"}`,
			wantOK: true,
		},
		{
			name:   "nested braces",
			input:  `x {"a": {"b": 1}} y {"c": 2}`,
			want:   `{"a": {"b": 1}}`,
			wantOK: true,
		},
		{
			name:   "never balanced",
			input:  `{"a": {"b": 1}`,
			wantOK: false,
		},
		{
			name:   "no object at all",
			input:  `just some text`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FirstObject(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("FirstObject() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("FirstObject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAllObjects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		wantN int
	}{
		{
			name:  "two concatenated objects",
			input: `{"reply": "a"} {"stress_curve": []}`,
			wantN: 2,
		},
		{
			name:  "objects interleaved with prose",
			input: "intro\n" + `{"a": 1}` + "\nmiddle prose\n" + `{"b": 2}` + "\noutro",
			wantN: 2,
		},
		{
			name:  "malformed candidate does not abort the scan",
			input: `{"broken": } {"ok": true}`,
			wantN: 1,
		},
		{
			name:  "no objects",
			input: "nothing here",
			wantN: 0,
		},
		{
			name:  "stray closing brace before the object",
			input: `} {"a": 1}`,
			wantN: 1,
		},
		{
			name:  "raw control characters inside strings are repaired",
			input: "{\"a\": \"line1\nline2\"}",
			wantN: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AllObjects(tt.input)
			if len(got) != tt.wantN {
				t.Errorf("AllObjects() returned %d objects, want %d: %v", len(got), tt.wantN, got)
			}
		})
	}
}

func TestAllObjects_DocumentOrder(t *testing.T) {
	input := `a {"n": 1} b {"n": 2} c {"n": 3}`
	got := AllObjects(input)
	if len(got) != 3 {
		t.Fatalf("expected 3 objects, got %d", len(got))
	}
	for i, raw := range got {
		var obj struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			t.Fatalf("object %d does not parse: %v", i, err)
		}
		if obj.N != i+1 {
			t.Errorf("object %d has n=%d, want %d", i, obj.N, i+1)
		}
	}
}

// Braces inside quoted string values must not perturb the depth count.
func TestAllObjects_BracesInsideStrings(t *testing.T) {
	input := `{"a": "{ not json }"}`
	got := AllObjects(input)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 object, got %d", len(got))
	}
	var obj struct {
		A string `json:"a"`
	}
	if err := json.Unmarshal(got[0], &obj); err != nil {
		t.Fatalf("object does not parse: %v", err)
	}
	if obj.A != "{ not json }" {
		t.Errorf("field a = %q, want %q", obj.A, "{ not json }")
	}
}

func TestAllObjects_EscapedQuotes(t *testing.T) {
	input := `{"a": "he said \"{\" once"} {"b": 2}`
	got := AllObjects(input)
	if len(got) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(got))
	}
}

func TestFromFence(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{
			name:   "json tagged fence",
			input:  "```json\n{\"reply\": \"x\"}\n```",
			want:   `{"reply": "x"}`,
			wantOK: true,
		},
		{
			name:   "untagged fence",
			input:  "```\n{\"reply\": \"x\"}\n```",
			want:   `{"reply": "x"}`,
			wantOK: true,
		},
		{
			name:   "fence with prose around the object",
			input:  "before\n```json\nnote {\"a\": 1} note\n```\nafter {\"b\": 2}",
			want:   `{"a": 1}`,
			wantOK: true,
		},
		{
			name:   "no fence falls back to whole text",
			input:  `leading text {"a": 1}`,
			want:   `{"a": 1}`,
			wantOK: true,
		},
		{
			name:   "fence without an object",
			input:  "```\nplain text\n```",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FromFence(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("FromFence() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("FromFence() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "raw newline escaped",
			input: "{\"a\": \"line1\nline2\"}",
			want:  `{"a": "line1\nline2"}`,
		},
		{
			name:  "already escaped newline untouched",
			input: `{"a": "line1\nline2"}`,
			want:  `{"a": "line1\nline2"}`,
		},
		{
			name:  "raw tab and carriage return escaped",
			input: "a\tb\rc",
			want:  `a\tb\rc`,
		},
		{
			name:  "other control codes stripped",
			input: "a\x00b\x07c\x1fd",
			want:  "abcd",
		},
		{
			name:  "empty",
			input: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []string{
		"{\"a\": \"x\ny\"}",
		"plain text",
		"a\tb\x01c\r\n",
		`{"already": "\n\t\r"}`,
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

// A sanitized candidate with raw control characters must become valid JSON.
func TestSanitize_EnablesParse(t *testing.T) {
	raw := "{\"reply\": \"first\nsecond\tthird\"}"
	if json.Valid([]byte(raw)) {
		t.Fatal("fixture should be invalid before sanitization")
	}
	clean := Sanitize(raw)
	var obj struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal([]byte(clean), &obj); err != nil {
		t.Fatalf("sanitized candidate does not parse: %v", err)
	}
	if obj.Reply != "first\nsecond\tthird" {
		t.Errorf("round-tripped reply = %q", obj.Reply)
	}
}
