package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"ok", "hello", nil},
		{"empty", "", ErrEmptyMessage},
		{"spaces", "   ", ErrEmptyMessage},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), ErrMessageTooLarge},
		{"too many chars", strings.Repeat("é", MaxTextChars+1), ErrMessageTooLong},
		{"invalid utf8", "ab\xffcd", ErrInvalidUTF8},
		{"max chars", strings.Repeat("a", MaxTextChars), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateText(tt.input)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidatePayload(t *testing.T) {
	att := &Attachment{Ref: "uploads/1.png"}
	tests := []struct {
		name string
		in   Payload
		want error
	}{
		{"text", Payload{Text: "hi"}, nil},
		{"attachment", Payload{Attachment: att}, nil},
		{"attachment with blank text", Payload{Text: " \t\n", Attachment: att}, nil},
		{"both", Payload{Text: "hi", Attachment: att}, ErrAmbiguousPayload},
		{"blank ref", Payload{Attachment: &Attachment{Ref: "  "}}, ErrInvalidAttachment},
		{"nothing", Payload{}, ErrEmptyMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.in)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("agent")
	require.NoError(t, err)
	require.Equal(t, RoleAgent, r)
	require.Equal(t, RoleUser, r.Peer())

	_, err = ParseRole("admin")
	require.Error(t, err)
}
