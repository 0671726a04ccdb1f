package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	secret := "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	enc, err := Encrypt(secret, "master-key")
	require.NoError(t, err)
	assert.NotContains(t, enc, secret)

	dec, err := Decrypt(enc, "master-key")
	require.NoError(t, err)
	assert.Equal(t, secret, dec)
}

func TestDecrypt_WrongKey(t *testing.T) {
	enc, err := Encrypt("payload", "key-a")
	require.NoError(t, err)

	_, err = Decrypt(enc, "key-b")
	assert.Error(t, err)
}

func TestDecrypt_Malformed(t *testing.T) {
	_, err := Decrypt("zz", "key")
	assert.Error(t, err)

	_, err = Decrypt("abcd", "key")
	assert.ErrorIs(t, err, ErrCiphertextTooShort)

	_, err = Encrypt("x", "")
	assert.Error(t, err)
}
