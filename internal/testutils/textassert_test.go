//go:build test

package testutils

import (
	"fmt"
	"strings"
	"testing"
)

type mockTestingT struct {
	errors []string
}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.errors = append(m.errors, fmt.Sprintf(format, args...))
}

func TestTextAsserter_DefaultOptions(t *testing.T) {
	ta := NewTextAsserter(t)

	if !ta.options.IgnoreTrailingWhitespace {
		t.Error("IgnoreTrailingWhitespace MUST default to true")
	}
	if !ta.options.TrimSpace {
		t.Error("TrimSpace MUST default to true")
	}
	if ta.options.IgnoreEmptyLines {
		t.Error("IgnoreEmptyLines MUST default to false")
	}
	if ta.options.EnableColors {
		t.Error("EnableColors MUST default to false")
	}
}

func TestTextAsserter_Normalization(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		match    bool
	}{
		{"trailing whitespace", nil, "a  \nb\t", "a\nb", true},
		{"surrounding newlines", nil, "\n\na\nb\n", "a\nb", true},
		{"empty lines significant", nil, "a\n\nb", "a\nb", false},
		{"empty lines ignored", []TextOption{WithIgnoreEmptyLines(true)}, "a\n\nb", "a\nb", true},
		{"no trim", []TextOption{WithTrimSpace(false)}, "a\n", "a", false},
		{"payload", nil, Payload(1.0, 0.5, -0.2), "1.0,0.5,-0.2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := NewTextAsserter(t, tt.opts...)
			if got := ta.Diff(tt.actual, tt.expected) == ""; got != tt.match {
				t.Fatalf("match = %v, MUST be %v", got, tt.match)
			}
		})
	}
}

func TestTextAsserter_Assert_Failure(t *testing.T) {
	mock := &mockTestingT{}
	ta := NewTextAsserter(mock)

	if ta.AssertLines("advertising\nfailed", "advertising", "stopped") {
		t.Fatal("Assert MUST report a mismatch")
	}
	if len(mock.errors) != 1 {
		t.Fatalf("exactly one error MUST be reported, got %d", len(mock.errors))
	}
	msg := mock.errors[0]
	for _, want := range []string{"--- expected", "+++ actual", "-stopped", "+failed"} {
		if !strings.Contains(msg, want) {
			t.Errorf("diff MUST contain %q:\n%s", want, msg)
		}
	}
}

func TestTextAsserter_Assert_Success(t *testing.T) {
	mock := &mockTestingT{}
	if !NewTextAsserter(mock).Assert("same\n", "same") {
		t.Fatal("equal text MUST match")
	}
	if len(mock.errors) != 0 {
		t.Fatalf("no error MUST be reported, got %v", mock.errors)
	}
}

func TestTextAsserter_Colors(t *testing.T) {
	diff := NewTextAsserter(t, WithEnableColors(true)).Diff("b", "a")
	if !strings.Contains(diff, "\x1b[") {
		t.Fatalf("colored diff MUST contain ANSI sequences:\n%q", diff)
	}
}
