package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/proxyd/internal/prxerr"
)

func TestFactoryEnforcesSoftCap(t *testing.T) {
	f := NewFactory(2)

	m1, err := f.Get(TypePing)
	require.NoError(t, err)
	m2, err := f.Get(TypePing)
	require.NoError(t, err)

	_, err = f.Get(TypePing)
	require.Error(t, err)
	assert.Equal(t, prxerr.Busy, prxerr.CodeOf(err))

	f.Release(m1)
	f.Release(m2)
	assert.Equal(t, 0, f.Inflight())
}

func TestFactoryReleaseAllowsReuse(t *testing.T) {
	f := NewFactory(1)

	m, err := f.Get(TypeLinkOpen)
	require.NoError(t, err)
	f.Release(m)

	m2, err := f.Get(TypeData)
	require.NoError(t, err)
	assert.Equal(t, TypeData, m2.Type)
	assert.Equal(t, 1, f.Inflight())
}

func TestDefaultSoftCapAppliesWhenNonPositive(t *testing.T) {
	f := NewFactory(0)
	assert.Equal(t, int64(DefaultSoftCap), f.cap)
}
