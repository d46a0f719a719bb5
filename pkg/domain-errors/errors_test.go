package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedCodes(t *testing.T) {
	base := New(CodeStateConflict, "expected registered")
	wrapped := fmt.Errorf("transition: %w", base)

	assert.True(t, Is(wrapped, CodeStateConflict))
	assert.False(t, Is(wrapped, CodeNotFound))
	assert.Equal(t, CodeStateConflict, CodeOf(wrapped))
}

func TestCodeOfUncodedIsInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, CodeInternal, "store failure")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestWithDetailDoesNotMutateOriginal(t *testing.T) {
	base := New(CodeValidation, "bad input")
	withField := base.WithDetail("field", "title")

	assert.Nil(t, base.Details)
	assert.Equal(t, "title", withField.Details["field"])
}
