package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors used to classify manager failures. Callers branch with
// errors.Is; the IPC layer maps them onto wire error strings.
var (
	ErrAlreadyDownloaded = errors.New("already downloaded")
	ErrNotFound          = errors.New("not found")
	ErrProvider          = errors.New("provider error")
	ErrStorage           = errors.New("storage error")
	ErrValidation        = errors.New("validation error")
)

// wrap builds an error message that includes operation context while tagging
// it with the provided sentinel for later classification.
func wrap(marker error, operation, message string, err error) error {
	detail := buildDetail(operation, message)
	if marker == nil {
		marker = ErrStorage
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

func buildDetail(operation, message string) string {
	parts := make([]string, 0, 2)
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "storage failure"
	}
	return strings.Join(parts, ": ")
}
