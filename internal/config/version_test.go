package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version int
		reason  string
	}{
		{CurrentVersion, ""},
		{0, "outdated"},
		{-1, "invalid"},
		{CurrentVersion + 1, "newer than this build"},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.reason == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%d) = %v", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) {
			t.Fatalf("ValidateVersion(%d): expected *VersionError, got %T", tt.version, err)
		}
		if ve.Reason != tt.reason {
			t.Errorf("ValidateVersion(%d) reason = %q, want %q", tt.version, ve.Reason, tt.reason)
		}
	}
}

func TestVersionErrorMentionsUpgrade(t *testing.T) {
	err := ValidateVersion(CurrentVersion + 1)
	if !strings.Contains(err.Error(), "upgrade pmassist") {
		t.Errorf("message = %q", err)
	}
}
