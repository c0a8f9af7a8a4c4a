// Package codec encrypts and decrypts transport payloads under a session key.
//
// Envelopes are JSON objects {"iv": base64, "data": base64} where data is the
// AES-CBC ciphertext of the plaintext with PKCS#7 padding. A fresh IV is drawn
// for every message.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// IVSize is the length in bytes of the per-message initialization vector.
const IVSize = aes.BlockSize

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrInvalidKey        = errors.New("invalid session key")
)

// Envelope is the wire form of an encrypted message.
type Envelope struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// DecodeKey decodes base64 key material as sent in the key exchange.
func DecodeKey(b64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

func checkKey(key []byte) error {
	switch len(key) {
	case 16, 24, 32:
		return nil
	default:
		return fmt.Errorf("%w: length %d", ErrInvalidKey, len(key))
	}
}

// Encrypt encrypts plaintext under key and returns the JSON envelope text.
func Encrypt(plaintext string, key []byte) (string, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	return encryptWithIV(plaintext, key, iv)
}

func encryptWithIV(plaintext string, key, iv []byte) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	env, err := json.Marshal(Envelope{
		IV:   base64.StdEncoding.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(out),
	})
	if err != nil {
		return "", err
	}
	return string(env), nil
}

// Decrypt parses an envelope and returns the recovered plaintext.
func Decrypt(envelope string, key []byte) (string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(envelope), &raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	var env Envelope
	if err := unmarshalField(raw, "iv", &env.IV); err != nil {
		return "", err
	}
	if err := unmarshalField(raw, "data", &env.Data); err != nil {
		return "", err
	}
	return DecryptEnvelope(env, key)
}

func unmarshalField(raw map[string]json.RawMessage, name string, dst *string) error {
	v, ok := raw[name]
	if !ok {
		return fmt.Errorf("%w: missing %q", ErrMalformedEnvelope, name)
	}
	if err := json.Unmarshal(v, dst); err != nil || *dst == "" {
		return fmt.Errorf("%w: bad %q", ErrMalformedEnvelope, name)
	}
	return nil
}

// DecryptEnvelope decrypts an already-parsed envelope.
func DecryptEnvelope(env Envelope, key []byte) (string, error) {
	if env.IV == "" || env.Data == "" {
		return "", fmt.Errorf("%w: missing iv or data", ErrMalformedEnvelope)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != IVSize {
		return "", fmt.Errorf("%w: bad iv", ErrMalformedEnvelope)
	}
	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return "", fmt.Errorf("%w: bad data encoding", ErrMalformedEnvelope)
	}
	if err := checkKey(key); err != nil {
		return "", err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext not block aligned", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: plaintext is not utf-8", ErrDecryptionFailed)
	}
	return string(plain), nil
}

// IsEnvelope reports whether a decoded top-level JSON object has envelope shape.
func IsEnvelope(obj map[string]json.RawMessage) bool {
	_, hasIV := obj["iv"]
	_, hasData := obj["data"]
	return hasIV && hasData
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecryptionFailed)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
		}
	}
	return b[:len(b)-n], nil
}
