package core

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

// KeySize is the required symmetric key length for AES-256.
const KeySize = 32

// Cipher encrypts connection secrets with AES-256-CBC. Every ciphertext
// is tagged with the id of the key that produced it, so old keys can stay
// registered for decryption during a rotation window while new writes use
// the primary key.
type Cipher struct {
	primary string
	keys    map[string][]byte
}

// NewCipher builds a cipher with one primary key. The key must be exactly
// 32 bytes; anything else is a configuration error the process should not
// start with.
func NewCipher(keyID string, key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, errors.New("encryption key must be exactly 32 bytes")
	}
	c := &Cipher{primary: keyID, keys: map[string][]byte{}}
	c.keys[keyID] = append([]byte(nil), key...)
	return c, nil
}

// AddDecryptKey registers a retired key for decrypt-only use.
func (c *Cipher) AddDecryptKey(keyID string, key []byte) error {
	if len(key) != KeySize {
		return errors.New("encryption key must be exactly 32 bytes")
	}
	c.keys[keyID] = append([]byte(nil), key...)
	return nil
}

// Encrypt seals plaintext with the primary key and a freshly generated
// IV. It returns base64 ciphertext, base64 IV and the key id used.
func (c *Cipher) Encrypt(plaintext string) (ciphertext, iv, keyID string, err error) {
	block, err := aes.NewCipher(c.keys[c.primary])
	if err != nil {
		return "", "", "", err
	}

	rawIV := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, rawIV); err != nil {
		return "", "", "", err
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, rawIV).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out),
		base64.StdEncoding.EncodeToString(rawIV),
		c.primary, nil
}

// Decrypt opens a ciphertext produced by Encrypt. Unknown key ids, bad
// base64, wrong block sizes and broken padding all surface as
// DecryptionError; the caller cannot tell them apart and should not try.
func (c *Cipher) Decrypt(ciphertext, iv, keyID string) (string, error) {
	key, ok := c.keys[keyID]
	if !ok {
		return "", &DecryptionError{Reason: "unknown key id " + keyID}
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &DecryptionError{Reason: "malformed ciphertext"}
	}
	rawIV, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", &DecryptionError{Reason: "malformed iv"}
	}
	if len(rawIV) != aes.BlockSize || len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", &DecryptionError{Reason: "ciphertext block size mismatch"}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", &DecryptionError{Reason: err.Error()}
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, rawIV).CryptBlocks(out, raw)

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", &DecryptionError{Reason: "padding check failed"}
	}
	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
