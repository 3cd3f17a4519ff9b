package vcs

import (
	"context"
	"testing"

	"github.com/aqua-ct/server/internal/logger"
)

func TestExecBackend_ExecuteLogsOutcome(t *testing.T) {
	b := NewExecBackend(t.TempDir(), logger.NewFromConfig("debug", "json"))

	result, err := b.Execute(context.Background(), "echo", []string{"hi"}, t.TempDir())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Code != 0 {
		t.Errorf("Code = %d, want 0", result.Code)
	}
}

func TestExecBackend_ExecuteFailureReturnsNonZeroCode(t *testing.T) {
	b := NewExecBackend(t.TempDir(), logger.NewFromConfig("debug", "json"))

	result, err := b.Execute(context.Background(), "sh", []string{"-c", "exit 3"}, t.TempDir())
	if err == nil {
		t.Fatal("expected an error for a non-zero exit")
	}
	if result.Code != 3 {
		t.Errorf("Code = %d, want 3", result.Code)
	}
}

func TestNewExecBackend_NilLoggerUsesDefault(t *testing.T) {
	b := NewExecBackend(t.TempDir(), nil)
	if b.Log == nil {
		t.Fatal("expected a non-nil default logger")
	}
}
