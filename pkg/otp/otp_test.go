package otp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCodec_LengthBounds(t *testing.T) {
	_, err := NewCodec(3, "pepper")
	assert.Error(t, err)

	_, err = NewCodec(11, "pepper")
	assert.Error(t, err)

	c, err := NewCodec(6, "pepper")
	require.NoError(t, err)
	assert.Equal(t, 6, c.Length())
}

func TestIssue_CodeFormat(t *testing.T) {
	c, err := NewCodec(6, "test-pepper")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		code, salt, hash, err := c.Issue()
		require.NoError(t, err)

		assert.Len(t, code, 6, "код должен сохранять ведущие нули")
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9', "код должен быть числовым: %q", code)
		}
		assert.NotEmpty(t, salt)
		assert.Equal(t, c.Hash(code, salt), hash)
	}
}

func TestIssue_CodesDiffer(t *testing.T) {
	c, err := NewCodec(6, "test-pepper")
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		code, _, _, err := c.Issue()
		require.NoError(t, err)
		seen[code] = true
	}
	// 20 одинаковых кодов подряд практически невозможны
	assert.Greater(t, len(seen), 1)
}

func TestMatches(t *testing.T) {
	c, err := NewCodec(6, "test-pepper")
	require.NoError(t, err)

	code, salt, hash, err := c.Issue()
	require.NoError(t, err)

	assert.True(t, c.Matches(code, salt, hash))
	assert.False(t, c.Matches("000000", salt, hash), "другой код не должен совпадать")
	assert.False(t, c.Matches(code, "deadbeef", hash), "другая соль не должна совпадать")
}

func TestMatches_PepperIsolation(t *testing.T) {
	c1, err := NewCodec(6, "pepper-one")
	require.NoError(t, err)
	c2, err := NewCodec(6, "pepper-two")
	require.NoError(t, err)

	code, salt, hash, err := c1.Issue()
	require.NoError(t, err)

	assert.True(t, c1.Matches(code, salt, hash))
	assert.False(t, c2.Matches(code, salt, hash))
}
