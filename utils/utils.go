// Package utils carries the small ambient helpers shared across packages.
package utils

import (
	"fmt"

	"go.uber.org/zap"
)

// LogError logs an error with the given message and fields. It tolerates a
// nil logger so teardown paths never panic while reporting.
func LogError(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if logger == nil {
		fmt.Printf("failed to log the error: logger is nil. error: %v, message: %s\n", err, msg)
		return
	}
	logger.Error(msg, append(fields, zap.Error(err))...)
}
