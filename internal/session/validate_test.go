package session

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"main", false},
		{"work-2", false},
		{"feed_ro", false},
		{"x", false},
		{strings.Repeat("s", MaxNameLen), false},
		{"", true},
		{strings.Repeat("s", MaxNameLen+1), true},
		{"Work", true},
		{"two words", true},
		{"a.b", true},
		{"../up", true},
		{"-session", true},
		{"trailing-", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidName) {
				t.Errorf("error %v does not wrap ErrInvalidName", err)
			}
		})
	}
}
