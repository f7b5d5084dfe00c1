package chat

import (
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", "hello there", false},
		{"empty", "", true},
		{"max bytes exact", strings.Repeat("a", MaxContentChars), false},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), true},
		{"too many chars multibyte", strings.Repeat("é", MaxContentChars+1), true},
		{"invalid utf8", string([]byte{0xff, 0xfe, 0xfd}), true},
		{"unicode ok", "héllo wörld 你好", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateContent(tc.content)
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
