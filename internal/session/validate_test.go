package session

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	valid := []string{"main", "work123", "my-session", "my_session", "a", "7", strings.Repeat("a", 64)}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v", name, err)
		}
	}

	invalid := []string{"", "Main", "my session", "my.session", "-lead", "_lead", "my@session", "my/session", "..", strings.Repeat("a", 65)}
	for _, name := range invalid {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name      string
		flag, env string
		config    string
		want      string
	}{
		{"flag wins", "work", "home", "cfg", "work"},
		{"env over config", "", "home", "cfg", "home"},
		{"config default", "", "", "cfg", "cfg"},
		{"fallback", "", "", "", DefaultSessionName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvSession, tt.env)
			if got := Resolve(tt.flag, tt.config); got != tt.want {
				t.Errorf("Resolve(%q, %q) = %q, want %q", tt.flag, tt.config, got, tt.want)
			}
		})
	}
}
