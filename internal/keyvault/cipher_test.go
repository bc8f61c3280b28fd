package keyvault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("correct horse battery staple")
	require.NoError(t, err)

	plaintext := []byte("seed material goes here")
	sealed, err := c.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCipherWrongPassphrase(t *testing.T) {
	c1, err := NewCipher("passphrase one")
	require.NoError(t, err)
	c2, err := NewCipher("passphrase two")
	require.NoError(t, err)

	sealed, err := c1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = c2.Open(sealed)
	assert.Error(t, err)
}

func TestCipherTamperedCiphertext(t *testing.T) {
	c, err := NewCipher("passphrase")
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("secret"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = c.Open(sealed)
	assert.Error(t, err)
}

func TestCipherEmptyPassphrase(t *testing.T) {
	_, err := NewCipher("")
	assert.ErrorIs(t, err, ErrVaultLocked)
}

func TestCipherShortCiphertext(t *testing.T) {
	c, err := NewCipher("passphrase")
	require.NoError(t, err)

	_, err = c.Open([]byte{0x01, 0x02})
	assert.Error(t, err)
}
