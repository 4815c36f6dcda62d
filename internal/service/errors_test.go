package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cybergolemai/gollem-lob/internal/forward"
	"github.com/cybergolemai/gollem-lob/internal/ledger"
	"github.com/cybergolemai/gollem-lob/internal/match"
	"github.com/cybergolemai/gollem-lob/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"no_match", match.ErrNoMatch, KindNoMatch},
		{"insufficient_credits", ledger.ErrInsufficientCredits, KindInsufficientCredits},
		{"wrapped_insufficient", fmt.Errorf("debit: %w", ledger.ErrInsufficientCredits), KindInsufficientCredits},
		{"store_down", store.ErrUnavailable, KindBackendUnavailable},
		{"upstream", fmt.Errorf("%w: status 503", forward.ErrUpstream), KindUpstream},
		{"canceled", context.Canceled, KindCanceled},
		{"deadline", context.DeadlineExceeded, KindCanceled},
		{"unknown", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err).Kind)
		})
	}
}

func TestClassify_PassesServiceErrorThrough(t *testing.T) {
	orig := invalidArgument("bad input")
	assert.Same(t, orig, classify(fmt.Errorf("wrapped: %w", orig)))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "INVALID_ARGUMENT", KindInvalidArgument.String())
	assert.Equal(t, "FAILED_PRECONDITION", KindInsufficientCredits.String())
	assert.Equal(t, "NOT_FOUND", KindNoMatch.String())
	assert.Equal(t, "UPSTREAM_ERROR", KindUpstream.String())
	assert.Equal(t, "BACKEND_UNAVAILABLE", KindBackendUnavailable.String())
	assert.Equal(t, "CANCELLED", KindCanceled.String())
	assert.Equal(t, "INTERNAL", KindInternal.String())
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: KindNoMatch, Message: "no matching provider available"}
	assert.Equal(t, "NOT_FOUND: no matching provider available", e.Error())

	wrapped := classify(fmt.Errorf("range read: %w", store.ErrUnavailable))
	assert.ErrorIs(t, wrapped, store.ErrUnavailable, "cause survives unwrapping")
}
