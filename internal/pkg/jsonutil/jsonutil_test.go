package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractObject(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"brace in string", "prefix {\"a\":\"}\"} suffix {\"b\":1}", `{"a":"}"}`, true},
		{"unterminated", "{ unterminated", "", false},
		{"escaped quote", `{"a":{"b":"\"x\""}}`, `{"a":{"b":"\"x\""}}`, true},
		{"fenced", "thinking...\n```json\n{\"action\":\"noop\",\"tags\":[1,2]}\n```\n", `{"action":"noop","tags":[1,2]}`, true},
		{"empty", "   ", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractObject(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPretty(t *testing.T) {
	assert.Equal(t, "{\n  \"a\": 1\n}", Pretty(`{"a":1}`))
	assert.Equal(t, "plain text", Pretty("plain text"))
	assert.Equal(t, "{broken", Pretty("{broken"))
}
