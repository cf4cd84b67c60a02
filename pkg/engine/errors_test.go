package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"template matches sentinel", NewTemplateError("x", nil), ErrTemplate, true},
		{"wrapped template", fmt.Errorf("render: %w", NewTemplateError("x", nil)), ErrTemplate, true},
		{"template is not io", NewTemplateError("x", nil), ErrIO, false},
		{"remote command", NewRemoteCommandError(1, ""), ErrRemoteCommand, true},
		{"transport", NewTransportError("x", errors.New("eof")), ErrTransport, true},
		{"cycle", NewConstructionError(ErrCodeCycle, "x"), ErrCycle, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngineError_Classes(t *testing.T) {
	if !IsLocal(NewRenderIOError("x", nil)) {
		t.Error("Expected render IO error to be local")
	}
	if !IsRemote(NewTransportError("x", nil)) {
		t.Error("Expected transport error to be remote")
	}
	if !IsConstruction(NewConstructionError(ErrCodeDuplicateNode, "x")) {
		t.Error("Expected duplicate to be construction")
	}
	if IsLocal(errors.New("plain")) || IsRemote(errors.New("plain")) {
		t.Error("Expected plain errors to be unclassified")
	}
}

func TestEngineError_Error(t *testing.T) {
	err := NewTransportError("copy failed", errors.New("broken pipe")).WithNode("remote-copy-x").WithOperation("copy")
	msg := err.Error()
	for _, want := range []string{"[remote]", "copy failed", "node=remote-copy-x", "operation=copy", "broken pipe"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in %q", want, msg)
		}
	}

	long := strings.Repeat("e", 5000)
	rc := NewRemoteCommandError(3, long)
	if got := rc.Details["stderr"].(string); len(got) != 2048 {
		t.Errorf("Expected stderr truncated to 2048 bytes, got %d", len(got))
	}
}
