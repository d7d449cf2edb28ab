package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapabilities(t *testing.T) {
	flags, err := ParseCapabilities([]string{" Camera", "turn_tcp", "EXCLUSIVE"})
	require.NoError(t, err)
	assert.True(t, flags.Has(CapCamera))
	assert.True(t, flags.Has(CapTurnTCP|CapExclusive))
	assert.False(t, flags.Has(CapSDOnly))
	assert.Equal(t, "camera,exclusive,turn_tcp", flags.String())

	none, err := ParseCapabilities(nil)
	require.NoError(t, err)
	assert.Empty(t, none.String())

	_, err = ParseCapabilities([]string{"camera", "zoom"})
	assert.ErrorContains(t, err, `"zoom"`)
}
