package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDataPathsLayout(t *testing.T) {
	paths := GetDataPaths("/srv/tetherd")

	if paths.Home != "/srv/tetherd" {
		t.Fatalf("unexpected home: %q", paths.Home)
	}
	if paths.RemoteConfig != filepath.Join("/srv/tetherd", "remote.json") {
		t.Fatalf("unexpected config path: %q", paths.RemoteConfig)
	}
	if paths.RemoteBackup != paths.RemoteConfig+".bak" {
		t.Fatalf("backup should shadow the config: %q", paths.RemoteBackup)
	}
	if filepath.Dir(paths.AdminSocket) != paths.Home {
		t.Fatalf("admin socket should live in the data dir: %q", paths.AdminSocket)
	}
}

func TestGetDataPathsDefaultsToHome(t *testing.T) {
	paths := GetDataPaths("")
	if paths.Home != DefaultHome() {
		t.Fatalf("empty dataDir should default to %q, got %q", DefaultHome(), paths.Home)
	}
}

func TestEnsureDataDirs(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "data")

	paths, err := EnsureDataDirs(root)
	if err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}

	for _, dir := range []string{paths.Home, paths.Logs} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	cases := []struct {
		in, want string
	}{
		{"~", home},
		{"~/notes", filepath.Join(home, "notes")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ExpandPath(tc.in); got != tc.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
