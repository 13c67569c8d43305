package crypto

import "errors"

var (
	// ErrKeyGeneration reports that a keypair or message key could not be generated.
	ErrKeyGeneration = errors.New("crypto: key generation failed")
	// ErrWrap reports that a message key could not be sealed for a recipient.
	ErrWrap = errors.New("crypto: wrap message key")
	// ErrUnwrap reports that a wrapped key does not open with the private key.
	ErrUnwrap = errors.New("crypto: unwrap message key")
	// ErrEncrypt reports a symmetric encryption failure.
	ErrEncrypt = errors.New("crypto: encrypt payload")
	// ErrDecrypt reports an authentication failure or undecodable plaintext.
	ErrDecrypt = errors.New("crypto: decrypt payload")
	// ErrDecode reports malformed text encodings or key material.
	ErrDecode = errors.New("crypto: decode")
)
