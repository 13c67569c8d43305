package crypto

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"unicode/utf8"
)

// Sealed is one payload encrypted under a fresh key, with that key wrapped
// for each recipient in the order given to SealTo.
type Sealed struct {
	CipherText  string
	WrappedKeys []string
}

// Seal encrypts plaintext under a fresh message key and wraps the key for recipient.
// Empty plaintext yields an empty cipher text and a usable wrapped key.
func Seal(plaintext []byte, recipient *rsa.PublicKey) (cipherText, wrappedKey string, err error) {
	sealed, err := SealTo(plaintext, recipient)
	if err != nil {
		return "", "", err
	}
	return sealed.CipherText, sealed.WrappedKeys[0], nil
}

// SealTo encrypts plaintext once and wraps the same message key for every recipient.
func SealTo(plaintext []byte, recipients ...*rsa.PublicKey) (Sealed, error) {
	if len(recipients) == 0 {
		return Sealed{}, fmt.Errorf("%w: at least one recipient is required", ErrWrap)
	}

	key, err := NewMessageKey()
	if err != nil {
		return Sealed{}, err
	}
	defer Wipe(key)

	var out Sealed
	if len(plaintext) > 0 {
		ciphertext, iv, err := Encrypt(key, plaintext)
		if err != nil {
			return Sealed{}, fmt.Errorf("%w: %w", ErrEncrypt, err)
		}
		out.CipherText = base64.StdEncoding.EncodeToString(append(iv, ciphertext...))
	}

	encodedKey := []byte(base64.StdEncoding.EncodeToString(key))
	defer Wipe(encodedKey)

	out.WrappedKeys = make([]string, 0, len(recipients))
	for _, recipient := range recipients {
		wrapped, err := WrapKey(recipient, encodedKey)
		if err != nil {
			return Sealed{}, err
		}
		out.WrappedKeys = append(out.WrappedKeys, base64.StdEncoding.EncodeToString(wrapped))
	}

	return out, nil
}

// Unseal unwraps the message key with privateKey and decrypts cipherText.
func Unseal(cipherText, wrappedKey string, privateKey *rsa.PrivateKey) ([]byte, error) {
	if wrappedKey == "" {
		return nil, fmt.Errorf("%w: wrapped key is required", ErrDecode)
	}
	rawWrapped, err := base64.StdEncoding.DecodeString(wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped key: %w", ErrDecode, err)
	}

	encodedKey, err := UnwrapKey(privateKey, rawWrapped)
	if err != nil {
		return nil, err
	}
	defer Wipe(encodedKey)

	key, err := base64.StdEncoding.DecodeString(string(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("%w: message key: %w", ErrDecode, err)
	}
	defer Wipe(key)
	if len(key) != MessageKeySize {
		return nil, fmt.Errorf("%w: message key length %d", ErrDecode, len(key))
	}

	if cipherText == "" {
		return []byte{}, nil
	}

	raw, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher text: %w", ErrDecode, err)
	}
	const nonceSize = 12
	if len(raw) <= nonceSize {
		return nil, fmt.Errorf("%w: cipher text too short", ErrDecode)
	}

	plaintext, err := Decrypt(key, raw[:nonceSize], raw[nonceSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	if !utf8.Valid(plaintext) {
		return nil, fmt.Errorf("%w: plaintext is not valid UTF-8", ErrDecrypt)
	}
	return plaintext, nil
}
