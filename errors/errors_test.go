package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesIdentity(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestMarkIsDetectableButInvisible(t *testing.T) {
	sentinel := New("version conflict")
	err := Mark(Newf("trigger %s: update raced", "T1"), sentinel)

	require.True(t, Is(err, sentinel))
	assert.NotContains(t, err.Error(), "version conflict")
}

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, Wrap(nil, "context"))
}
