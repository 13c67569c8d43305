package models

// Identity is a published directory entry. The public key is immutable once
// the identity exists.
type Identity struct {
	ID           string `json:"id"`
	PublicKey    string `json:"public_key"`
	DisplayName  string `json:"display_name,omitempty"`
	AvatarRef    string `json:"avatar_ref,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	RegisteredAt int64  `json:"registered_at,omitempty"`
}
