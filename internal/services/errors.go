package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInput marks failures caused by what the customer supplied: a missing
	// or undecodable asset, an unknown template, an unresolvable music track.
	ErrInput = errors.New("input error")
	// ErrTransient marks infrastructure failures such as storage timeouts or
	// an encoder crash.
	ErrTransient = errors.New("transient failure")
	// ErrJobGone marks a run whose catalog row no longer exists. It is never
	// retried.
	ErrJobGone = errors.New("job no longer exists")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether a queue retry could change the outcome.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrJobGone)
}

// PublicReason maps an error to a short customer-facing sentence. It never
// includes internal detail.
func PublicReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInput):
		return "We're sorry, one of your uploaded files could not be used to create the video. Our team has been notified and will be in touch."
	default:
		return "We're sorry, something went wrong while creating your video. Our team has been notified and will be in touch."
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
