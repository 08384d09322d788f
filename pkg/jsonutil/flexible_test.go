package jsonutil

import (
	"encoding/json"
	"testing"
)

func TestFlexibleStringValue(t *testing.T) {
	tests := []struct {
		name  string
		input json.RawMessage
		want  string
	}{
		{
			name:  "string value",
			input: json.RawMessage(`"localhost"`),
			want:  "localhost",
		},
		{
			name:  "port number as integer",
			input: json.RawMessage(`51542`),
			want:  "51542",
		},
		{
			name:  "float value",
			input: json.RawMessage(`3.14`),
			want:  "3.14",
		},
		{
			name:  "boolean true",
			input: json.RawMessage(`true`),
			want:  "true",
		},
		{
			name:  "boolean false",
			input: json.RawMessage(`false`),
			want:  "false",
		},
		{
			name:  "null value",
			input: json.RawMessage(`null`),
			want:  "",
		},
		{
			name:  "empty raw message",
			input: json.RawMessage{},
			want:  "",
		},
		{
			name:  "nil raw message",
			input: nil,
			want:  "",
		},
		{
			name:  "large integer preserves precision",
			input: json.RawMessage(`9007199254740992`),
			want:  "9007199254740992",
		},
		{
			name:  "nested object falls back to raw string",
			input: json.RawMessage(`{"key":"value"}`),
			want:  `{"key":"value"}`,
		},
		{
			name:  "array falls back to raw string",
			input: json.RawMessage(`[1,2,3]`),
			want:  `[1,2,3]`,
		},
		{
			name:  "negative integer",
			input: json.RawMessage(`-7`),
			want:  "-7",
		},
		{
			name:  "zero",
			input: json.RawMessage(`0`),
			want:  "0",
		},
		{
			name:  "empty string",
			input: json.RawMessage(`""`),
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FlexibleStringValue(tt.input)
			if got != tt.want {
				t.Errorf("FlexibleStringValue(%s) = %q, want %q", string(tt.input), got, tt.want)
			}
		})
	}
}

func TestFlexibleBoolValue(t *testing.T) {
	tests := []struct {
		name  string
		input json.RawMessage
		want  bool
	}{
		{
			name:  "native true",
			input: json.RawMessage(`true`),
			want:  true,
		},
		{
			name:  "native false",
			input: json.RawMessage(`false`),
			want:  false,
		},
		{
			name:  "capitalized True string",
			input: json.RawMessage(`"True"`),
			want:  true,
		},
		{
			name:  "capitalized False string",
			input: json.RawMessage(`"False"`),
			want:  false,
		},
		{
			name:  "lowercase true string",
			input: json.RawMessage(`"true"`),
			want:  true,
		},
		{
			name:  "one string",
			input: json.RawMessage(`"1"`),
			want:  true,
		},
		{
			name:  "yes string",
			input: json.RawMessage(`"yes"`),
			want:  true,
		},
		{
			name:  "numeric one",
			input: json.RawMessage(`1`),
			want:  true,
		},
		{
			name:  "numeric zero",
			input: json.RawMessage(`0`),
			want:  false,
		},
		{
			name:  "null value",
			input: json.RawMessage(`null`),
			want:  false,
		},
		{
			name:  "nil raw message",
			input: nil,
			want:  false,
		},
		{
			name:  "unrecognized string",
			input: json.RawMessage(`"maybe"`),
			want:  false,
		},
		{
			name:  "padded string",
			input: json.RawMessage(`" TRUE "`),
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FlexibleBoolValue(tt.input)
			if got != tt.want {
				t.Errorf("FlexibleBoolValue(%s) = %v, want %v", string(tt.input), got, tt.want)
			}
		})
	}
}
