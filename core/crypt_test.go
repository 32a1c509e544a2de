package core

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func TestNewCipherKeyLength(t *testing.T) {
	tests := []struct {
		name string
		key  []byte
		ok   bool
	}{
		{"exact 32 bytes", testKey(0x11), true},
		{"too short", make([]byte, 16), false},
		{"too long", make([]byte, 33), false},
		{"empty", nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCipher("k1", tc.key)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("k1", testKey(0x22))
	require.NoError(t, err)

	for _, plaintext := range []string{
		"hunter2",
		"",
		"mongodb+srv://app:s3cr%[email protected]/orders?retryWrites=true",
		strings.Repeat("p", 500),
	} {
		ct, iv, keyID, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Equal(t, "k1", keyID)
		assert.NotEmpty(t, iv)

		got, err := c.Decrypt(ct, iv, keyID)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestCipherFreshIVPerWrite(t *testing.T) {
	c, err := NewCipher("k1", testKey(0x33))
	require.NoError(t, err)

	ct1, iv1, _, err := c.Encrypt("same secret")
	require.NoError(t, err)
	ct2, iv2, _, err := c.Encrypt("same secret")
	require.NoError(t, err)

	assert.NotEqual(t, iv1, iv2)
	assert.NotEqual(t, ct1, ct2)
}

func TestCipherWrongKeyFails(t *testing.T) {
	c1, err := NewCipher("k1", testKey(0x44))
	require.NoError(t, err)
	c2, err := NewCipher("k1", testKey(0x55))
	require.NoError(t, err)

	ct, iv, keyID, err := c1.Encrypt("secret")
	require.NoError(t, err)

	_, err = c2.Decrypt(ct, iv, keyID)
	require.Error(t, err)
	var derr *DecryptionError
	require.ErrorAs(t, err, &derr)
}

func TestCipherRotationWindow(t *testing.T) {
	old, err := NewCipher("k1", testKey(0x66))
	require.NoError(t, err)
	ct, iv, keyID, err := old.Encrypt("pre-rotation secret")
	require.NoError(t, err)

	// new primary, old key kept for decryption only
	rotated, err := NewCipher("k2", testKey(0x77))
	require.NoError(t, err)
	require.NoError(t, rotated.AddDecryptKey("k1", testKey(0x66)))

	got, err := rotated.Decrypt(ct, iv, keyID)
	require.NoError(t, err)
	assert.Equal(t, "pre-rotation secret", got)

	// new writes use the new key id
	_, _, newID, err := rotated.Encrypt("post-rotation secret")
	require.NoError(t, err)
	assert.Equal(t, "k2", newID)
}

func TestCipherDecryptBadInput(t *testing.T) {
	c, err := NewCipher("k1", testKey(0x88))
	require.NoError(t, err)
	ct, iv, _, err := c.Encrypt("secret")
	require.NoError(t, err)

	tests := []struct {
		name  string
		ct    string
		iv    string
		keyID string
	}{
		{"unknown key id", ct, iv, "nope"},
		{"garbage ciphertext", "not base64!!", iv, "k1"},
		{"garbage iv", ct, "not base64!!", "k1"},
		{"truncated ciphertext", ct[:4], iv, "k1"},
		{"empty ciphertext", "", iv, "k1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decrypt(tc.ct, tc.iv, tc.keyID)
			var derr *DecryptionError
			require.ErrorAs(t, err, &derr)
		})
	}
}
