package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirDefaultsToHome(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".nexus", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestHomeOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)

	if got, want := ConfigPath(), filepath.Join(base, "config.toml"); got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
	if got, want := EnvPath(), filepath.Join(base, ".env"); got != want {
		t.Errorf("EnvPath() = %q, want %q", got, want)
	}
}

func TestSessionFiles(t *testing.T) {
	tests := []struct {
		name   string
		got    string
		suffix string
	}{
		{"socket", SocketPath("test"), filepath.Join("sessions", "test", "daemon.sock")},
		{"db", AppDBPath("test"), filepath.Join("sessions", "test", "nexus.db")},
		{"log", LogPath("test"), filepath.Join("sessions", "test", "logs", "nexusd.log")},
	}
	for _, tt := range tests {
		if !strings.HasSuffix(tt.got, tt.suffix) {
			t.Errorf("%s path = %q, want suffix %s", tt.name, tt.got, tt.suffix)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() || info.Mode().Perm() != 0700 {
			t.Errorf("%s mode = %v, want dir 0700", d, info.Mode())
		}
	}
}
