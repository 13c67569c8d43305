package models

import "fmt"

// AttachmentKind classifies an attachment reference carried by a message.
type AttachmentKind string

const (
	AttachmentNone     AttachmentKind = "none"
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment references an uploaded blob. Blobs are never stored in the log.
type Attachment struct {
	Ref  string         `json:"ref"`
	Kind AttachmentKind `json:"kind"`
}

// ParseAttachmentKind normalizes an attachment kind, treating "" as none.
func ParseAttachmentKind(value string) (AttachmentKind, error) {
	switch AttachmentKind(value) {
	case "", AttachmentNone:
		return AttachmentNone, nil
	case AttachmentImage, AttachmentDocument:
		return AttachmentKind(value), nil
	default:
		return "", fmt.Errorf("invalid attachment kind %q", value)
	}
}
