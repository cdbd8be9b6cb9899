package apperr

import (
	"errors"
	"net/http"
)

// Kind groups errors by how callers are expected to react to them.
type Kind string

const (
	KindInput      Kind = "input_error"
	KindUpstream   Kind = "upstream_unavailable"
	KindBudget     Kind = "budget_exceeded"
	KindCorruption Kind = "index_corruption"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

var (
	ErrEmptyDocument     = errors.New("empty document")
	ErrEmptyQuestion     = errors.New("empty question")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrDuplicateChunk    = errors.New("duplicate chunk")
	ErrIndexEmpty        = errors.New("index is empty")

	ErrEmbeddingFailed       = errors.New("embedding failed")
	ErrTranscriptUnavailable = errors.New("transcript unavailable")
	ErrGenerationFailed      = errors.New("generation failed")
	ErrTimeout               = errors.New("upstream timeout")
	ErrRateLimited           = errors.New("upstream rate limited")
	ErrInvalidRequest        = errors.New("upstream rejected request")

	ErrNoRelevantContext     = errors.New("no relevant context")
	ErrContextBudgetExceeded = errors.New("context budget exceeded")

	ErrIndexCorruption = errors.New("index corruption")

	ErrNotFound = errors.New("not found")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrEmptyDocument, KindInput},
	{ErrEmptyQuestion, KindInput},
	{ErrInvalidConfig, KindInput},
	{ErrDimensionMismatch, KindInput},
	{ErrDuplicateChunk, KindInput},
	{ErrIndexEmpty, KindInput},
	{ErrEmbeddingFailed, KindUpstream},
	{ErrTranscriptUnavailable, KindUpstream},
	{ErrGenerationFailed, KindUpstream},
	{ErrTimeout, KindUpstream},
	{ErrRateLimited, KindUpstream},
	{ErrInvalidRequest, KindUpstream},
	{ErrNoRelevantContext, KindBudget},
	{ErrContextBudgetExceeded, KindBudget},
	{ErrIndexCorruption, KindCorruption},
	{ErrNotFound, KindNotFound},
}

// KindOf reports the kind of the first known sentinel found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited)
}

// HTTPStatus maps err to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInput:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	case KindBudget:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Code is the machine readable error code used in API error envelopes.
func Code(err error) string {
	switch KindOf(err) {
	case KindInput:
		return "VALIDATION_ERROR"
	case KindUpstream:
		return "UPSTREAM_UNAVAILABLE"
	case KindBudget:
		return "BUDGET_EXCEEDED"
	case KindCorruption:
		return "INDEX_CORRUPTION"
	case KindNotFound:
		return "NOT_FOUND"
	default:
		return "INTERNAL_ERROR"
	}
}
