package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.class.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"invalid data", ErrInvalidData, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsInvalid_Taxonomy(t *testing.T) {
	assert.True(t, IsInvalid(ErrConfig))
	assert.True(t, IsInvalid(ErrInput))
	assert.True(t, IsInvalid(Invalidf("bad %s", "thing")))
	assert.False(t, IsInvalid(ErrNotFound))
	assert.False(t, IsInvalid(nil))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionLost))
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	assert.Equal(t, ErrorInvalid, Classify(ErrParsingFailed))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, "Manager", "Create", "initialize")
	require.Error(t, err)
	assert.Equal(t, "Manager.Create: initialize failed: boom", err.Error())
	assert.ErrorIs(t, err, base)
	assert.NoError(t, Wrap(nil, "a", "b", "c"))
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("disk")
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.wrap(base, "Store", "Save", "write")
			var ce *ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tc.class, ce.Class)
			assert.Equal(t, "Store", ce.Component)
			assert.Equal(t, "Save", ce.Operation)
			assert.ErrorIs(t, err, base)
			assert.Nil(t, tc.wrap(nil, "Store", "Save", "write"))
		})
	}
}

func TestTaxonomyHelpers(t *testing.T) {
	err := NotFound("instance", "i1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), `"i1"`)

	err = Conflict("instance", "i1")
	assert.ErrorIs(t, err, ErrConflict)

	assert.ErrorIs(t, ErrConfig, ErrValidation)
}

func TestFieldErrors(t *testing.T) {
	assert.NoError(t, NewFieldErrors(ErrConfig, nil))

	err := NewFieldErrors(ErrConfig, []FieldError{
		{Field: "threshold", Code: CodeRequired, Message: "field is required"},
		{Field: "mode", Code: CodeEnum, Message: "must be one of [a b]"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorIs(t, err, ErrValidation)

	fe, ok := AsFieldErrors(err)
	require.True(t, ok)
	assert.True(t, fe.Has("threshold", CodeRequired))
	assert.True(t, fe.Has("mode", ""))
	assert.False(t, fe.Has("mode", CodeMin))
	assert.True(t, strings.HasPrefix(err.Error(), "invalid widget config"))
}

func BenchmarkClassify(b *testing.B) {
	err := fmt.Errorf("wrapped: %w", ErrConnectionTimeout)
	for i := 0; i < b.N; i++ {
		_ = Classify(err)
	}
}
