package validation

import "testing"

func TestIsValidInvitationCode(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		valid bool
	}{
		{
			name:  "valid short code",
			code:  "ABC123",
			valid: true,
		},
		{
			name:  "valid long code",
			code:  "7F9C0A9E4B2D11EF",
			valid: true,
		},
		{
			name:  "too short",
			code:  "AB12",
			valid: false,
		},
		{
			name:  "too long",
			code:  "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789",
			valid: false,
		},
		{
			name:  "lowercase letters",
			code:  "abc123",
			valid: false,
		},
		{
			name:  "contains dash",
			code:  "ABC-123",
			valid: false,
		},
		{
			name:  "empty string",
			code:  "",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidInvitationCode(tt.code)
			if got != tt.valid {
				t.Fatalf("IsValidInvitationCode(%q) = %v, want %v", tt.code, got, tt.valid)
			}
		})
	}
}
