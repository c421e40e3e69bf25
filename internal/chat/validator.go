package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
	MaxRefBytes     = 512
)

// Validation failures returned by ValidatePayload.
var (
	ErrEmptyMessage      = errors.New("message text is empty")
	ErrMessageTooLarge   = errors.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	ErrMessageTooLong    = errors.Errorf("message exceeds %d character limit", MaxTextChars)
	ErrInvalidUTF8       = errors.New("message contains invalid UTF-8")
	ErrAmbiguousPayload  = errors.New("message carries both text and attachment")
	ErrInvalidAttachment = errors.New("attachment reference is invalid")
)

// ValidatePayload checks that a message body meets content requirements.
// Text and attachment are mutually exclusive; whitespace-only text counts as
// empty.
func ValidatePayload(p Payload) error {
	if p.Attachment != nil {
		if strings.TrimSpace(p.Text) != "" {
			return ErrAmbiguousPayload
		}
		ref := strings.TrimSpace(p.Attachment.Ref)
		if ref == "" || len(ref) > MaxRefBytes || !utf8.ValidString(ref) {
			return ErrInvalidAttachment
		}
		return nil
	}
	return ValidateText(p.Text)
}

// ValidateText checks a text body.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return ErrMessageTooLarge
	}
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return ErrMessageTooLong
	}
	return nil
}
