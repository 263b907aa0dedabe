package utils

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogErrorNilLoggerDoesNotPanic(t *testing.T) {
	LogError(nil, errors.New("boom"), "no logger around")
}

func TestLogErrorAttachesError(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core)

	LogError(logger, errors.New("boom"), "something failed", zap.String("op", "read"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Message != "something failed" {
		t.Fatalf("unexpected message %q", entries[0].Message)
	}
	fields := entries[0].ContextMap()
	if fields["error"] != "boom" {
		t.Fatalf("error field missing, got %v", fields)
	}
	if fields["op"] != "read" {
		t.Fatalf("op field missing, got %v", fields)
	}
}
