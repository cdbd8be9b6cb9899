package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"

	"tubeqa/internal/apperr"
)

// classify maps a genai client error onto the upstream sentinels so callers
// can tell retryable failures from rejected requests.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", apperr.ErrTimeout, err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", apperr.ErrRateLimited, err)
		case gerr.Code == http.StatusRequestTimeout || gerr.Code == http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %w", apperr.ErrTimeout, err)
		case gerr.Code >= 400 && gerr.Code < 500:
			return fmt.Errorf("%w: %w", apperr.ErrInvalidRequest, err)
		}
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "RESOURCE_EXHAUSTED"):
		return fmt.Errorf("%w: %w", apperr.ErrRateLimited, err)
	case strings.Contains(msg, "DEADLINE_EXCEEDED"):
		return fmt.Errorf("%w: %w", apperr.ErrTimeout, err)
	}
	return err
}
