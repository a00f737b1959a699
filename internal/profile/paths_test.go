package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	t.Setenv(EnvHome, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".gochat", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestPaths(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"socket", SocketPath("test"), filepath.Join("profiles", "test", "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join("profiles", "test", "daemon.lock")},
		{"archive", ArchivePath("test"), filepath.Join("profiles", "test", "archive.db")},
		{"log", LogPath("test"), filepath.Join("profiles", "test", "logs", "gochatd.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.want) {
				t.Errorf("path = %q, want suffix %s", tt.got, tt.want)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("permission = %o, want 0700", perm)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())
	t.Setenv("GOCHAT_PROFILE", "")

	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q", got)
	}
	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve() = %q, want %q", got, DefaultName)
	}
	t.Setenv("GOCHAT_PROFILE", "env")
	if got := Resolve(""); got != "env" {
		t.Errorf("Resolve() with env = %q, want env", got)
	}
}
