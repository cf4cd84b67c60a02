package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]any
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: "result = 2 + 2\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("Expected result=4, got %v", sr.Output["result"])
				}
			},
		},
		{
			name:   "deployment input",
			script: "hostname = \"mail.\" + deployment[\"mail_domain\"]\n",
			input: map[string]any{
				"deployment": map[string]any{"mail_domain": "example.com"},
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["hostname"] != "mail.example.com" {
					t.Errorf("Expected hostname=mail.example.com, got %v", sr.Output["hostname"])
				}
			},
		},
		{
			name: "functions and private names are skipped",
			script: `
_prefix = "relay"

def relay(i):
    return _prefix + "-" + str(i)

relays = [relay(i) for i in range(3)]
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if _, ok := sr.Output["relay"]; ok {
					t.Error("Expected function to be left out of output")
				}
				if _, ok := sr.Output["_prefix"]; ok {
					t.Error("Expected private global to be left out of output")
				}
				relays, ok := sr.Output["relays"].([]any)
				if !ok || len(relays) != 3 || relays[2] != "relay-2" {
					t.Errorf("Expected three relays, got %v", sr.Output["relays"])
				}
			},
		},
		{
			name:   "struct and tuple",
			script: "limits = struct(size = 25, pair = (1, 2))\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				limits, ok := sr.Output["limits"].(map[string]any)
				if !ok {
					t.Fatalf("Expected limits to be a map, got %T", sr.Output["limits"])
				}
				if limits["size"] != int64(25) {
					t.Errorf("Expected size=25, got %v", limits["size"])
				}
				if pair, ok := limits["pair"].([]any); !ok || len(pair) != 2 {
					t.Errorf("Expected pair of two, got %v", limits["pair"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  "invalid syntax here\n",
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  "result = undefined_variable\n",
			wantErr: true,
		},
		{
			name:    "non-string dict key",
			script:  "result = {1: \"one\"}\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, "test.star", tt.script, tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			tt.checkFunc(t, result)
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)

	script := `
def slow():
    total = 0
    for i in range(1000000000):
        total = total + i
    return total

output = slow()
`

	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), "slow.star", script, nil)
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("Expected timeout error, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Expected cancellation shortly after the timeout, took %v", elapsed)
	}
}

func TestStarlarkEvaluator_EvaluateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "variables.star")
	if err := os.WriteFile(path, []byte("message_size_limit = 50 * 1024 * 1024\n"), 0o644); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}

	evaluator := NewStarlarkEvaluator(0)
	result, err := evaluator.EvaluateFile(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Output["message_size_limit"] != int64(52428800) {
		t.Errorf("Expected 52428800, got %v", result.Output["message_size_limit"])
	}

	if _, err := evaluator.EvaluateFile(context.Background(), filepath.Join(dir, "missing.star"), nil); err == nil {
		t.Error("Expected error for missing script, got nil")
	}
}

func TestToStarlarkValue_Unsupported(t *testing.T) {
	if _, err := toStarlarkValue(struct{}{}); err == nil {
		t.Error("Expected error for unsupported type, got nil")
	}
	v, err := toStarlarkValue([]string{"From", "To"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if v.Type() != "list" {
		t.Errorf("Expected list, got %s", v.Type())
	}
}
