package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// WrapKey seals key material for the holder of publicKey using RSA-OAEP with SHA-256.
func WrapKey(publicKey *rsa.PublicKey, key []byte) ([]byte, error) {
	if publicKey == nil {
		return nil, fmt.Errorf("%w: recipient public key is required", ErrWrap)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWrap, err)
	}
	return wrapped, nil
}

// UnwrapKey opens key material sealed by WrapKey.
func UnwrapKey(privateKey *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("%w: private key is required", ErrUnwrap)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnwrap, err)
	}
	return key, nil
}
