package prxerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringStability(t *testing.T) {
	// Every code in the taxonomy returns a stable, non-empty, lowercase
	// identifier matching the code name (property 9 in the spec).
	cases := []struct {
		code Code
		want string
	}{
		{Ok, "ok"},
		{Unknown, "unknown"},
		{BadState, "bad_state"},
		{OutOfMemory, "out_of_memory"},
		{AlreadyExists, "already_exists"},
		{NotFound, "not_found"},
		{Undelivered, "undelivered"},
		{Comm, "comm"},
	}
	for _, tc := range cases {
		got := tc.code.String()
		assert.Equal(t, tc.want, got)
		assert.NotEmpty(t, got)
		assert.Equal(t, got, toLower(got), "must be lowercase")
	}
}

func TestUnknownCodeFallsBackToUnknown(t *testing.T) {
	var bogus Code = 12345
	assert.Equal(t, "unknown", bogus.String())
}

func TestErrorIsComparesCodeOnly(t *testing.T) {
	a := New(NotFound, "link L99 not found")
	b := New(NotFound, "different detail entirely")
	c := New(BadState, "")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, Ok, CodeOf(nil))
	require.Equal(t, NotFound, CodeOf(New(NotFound, "x")))
	require.Equal(t, Unknown, CodeOf(errors.New("plain error")))
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
