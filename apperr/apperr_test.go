package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIs(t *testing.T) {
	err := New(CodeInvalidToken, "token %s unknown", "abc")
	wrapped := fmt.Errorf("reconnect: %w", err)

	assert.True(t, errors.Is(wrapped, ErrInvalidToken))
	assert.False(t, errors.Is(wrapped, ErrSessionNotFound))
	assert.Equal(t, CodeInvalidToken, CodeOf(wrapped))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestKindOf(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"missing credential", ErrMissingCredential, KindAuthentication},
		{"invalid credential", ErrInvalidCredential, KindAuthentication},
		{"player not found", ErrPlayerNotFound, KindNotFound},
		{"reconnect limit", ErrReconnectLimit, KindCapacity},
		{"zone full", ErrZoneFull, KindCapacity},
		{"store failure", Wrap(CodeStoreFailed, errors.New("boom"), "persist"), KindInternal},
		{"untyped", errors.New("plain"), KindInternal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, KindOf(tc.err))
		})
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("redis down")
	err := Wrap(CodeStoreFailed, cause, "load record for %s", "p1")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "STORE_FAILED")
	assert.Contains(t, err.Error(), "redis down")
}
