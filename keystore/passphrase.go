package keystore

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"sealchat/crypto"
)

const (
	sealedPEMType = "ENCRYPTED SEALCHAT PRIVATE KEY"

	saltBytes = 16
	kekBytes  = chacha20poly1305.KeySize

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

func deriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, kekBytes)
}

// sealPrivateKey encrypts PKCS#8 DER under a passphrase-derived key and
// returns it as a PEM block carrying the salt and nonce as headers.
func sealPrivateKey(passphrase, der []byte) ([]byte, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: generate salt: %w", ErrStorage, err)
	}

	kek := deriveKEK(passphrase, salt)
	defer crypto.Wipe(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("%w: create AEAD: %w", ErrStorage, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %w", ErrStorage, err)
	}

	block := &pem.Block{
		Type: sealedPEMType,
		Headers: map[string]string{
			"KDF":   "argon2id",
			"Salt":  base64.StdEncoding.EncodeToString(salt),
			"Nonce": base64.StdEncoding.EncodeToString(nonce),
		},
		Bytes: aead.Seal(nil, nonce, der, []byte(sealedPEMType)),
	}
	return pem.EncodeToMemory(block), nil
}

func openPrivateKey(passphrase, raw []byte) ([]byte, error) {
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != sealedPEMType {
		return nil, fmt.Errorf("%w: decode sealed private key", ErrStorage)
	}
	if kdf := block.Headers["KDF"]; kdf != "argon2id" {
		return nil, fmt.Errorf("%w: unsupported KDF %q", ErrStorage, kdf)
	}
	salt, err := base64.StdEncoding.DecodeString(block.Headers["Salt"])
	if err != nil || len(salt) != saltBytes {
		return nil, fmt.Errorf("%w: invalid salt header", ErrStorage)
	}
	nonce, err := base64.StdEncoding.DecodeString(block.Headers["Nonce"])
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: invalid nonce header", ErrStorage)
	}

	kek := deriveKEK(passphrase, salt)
	defer crypto.Wipe(kek)

	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, fmt.Errorf("%w: create AEAD: %w", ErrStorage, err)
	}
	der, err := aead.Open(nil, nonce, block.Bytes, []byte(sealedPEMType))
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupted key", ErrStorage)
	}
	return der, nil
}

func isSealedPEM(raw []byte) bool {
	return bytes.Contains(raw, []byte("BEGIN "+sealedPEMType))
}
