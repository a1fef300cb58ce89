package basp

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionEncoding(t *testing.T) {
	v := semver.MustParse("1.2.3")
	got := decodeVersion(encodeVersion(v))
	assert.True(t, v.Equal(got), "got %s", got)
}

func TestCheckVersion(t *testing.T) {
	c, err := semver.NewConstraint(DefaultVersionConstraint)
	require.NoError(t, err)

	assert.NoError(t, checkVersion(c, encodeVersion(ProtocolVersion)))
	assert.NoError(t, checkVersion(c, encodeVersion(semver.MustParse("1.4.0"))))
	assert.ErrorIs(t, checkVersion(c, encodeVersion(semver.MustParse("2.0.0"))), ErrIncompatibleVersion)
	assert.ErrorIs(t, checkVersion(c, 0), ErrIncompatibleVersion)
}

func TestNormalizeInterfaces(t *testing.T) {
	assert.Nil(t, normalizeInterfaces(nil))
	assert.Equal(t, []string{"a", "b"}, normalizeInterfaces([]string{"b", "a", "b"}))

	assert.True(t, sameInterfaces([]string{"x", "y"}, []string{"y", "x", "x"}))
	assert.False(t, sameInterfaces([]string{"x"}, []string{"x", "y"}))
	assert.True(t, sameInterfaces(nil, []string{}))
}

func TestStringsPayload(t *testing.T) {
	b, err := stringsPayload([]string{"echo", "ping"}).WritePayload(nil)
	require.NoError(t, err)

	ss, err := decodeStrings(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "ping"}, ss)

	ss, err = decodeStrings(nil)
	require.NoError(t, err)
	assert.Empty(t, ss)

	_, err = decodeStrings(b[:len(b)-1])
	assert.Error(t, err)
}
