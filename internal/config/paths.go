package config

import (
	"os"
	"path/filepath"
)

// DataPaths contains the on-disk layout for a tetherd installation.
type DataPaths struct {
	Home         string // Root data directory
	RemoteConfig string // Remote-access JSON config file
	RemoteBackup string // Shadow copy of the remote-access config
	SessionsDB   string // SQLite session history store
	Logs         string // Logs directory
	Lock         string // Daemon lock file
	AdminSocket  string // Unix socket for the local control API
}

// GetDataPaths returns the layout rooted at dataDir. An empty dataDir
// defaults to ~/.tetherd.
func GetDataPaths(dataDir string) DataPaths {
	if dataDir == "" {
		dataDir = DefaultHome()
	}

	return DataPaths{
		Home:         dataDir,
		RemoteConfig: filepath.Join(dataDir, "remote.json"),
		RemoteBackup: filepath.Join(dataDir, "remote.json.bak"),
		SessionsDB:   filepath.Join(dataDir, "sessions.db"),
		Logs:         filepath.Join(dataDir, "logs"),
		Lock:         filepath.Join(dataDir, "daemon.lock"),
		AdminSocket:  filepath.Join(dataDir, "admin.sock"),
	}
}

// DefaultHome returns the default tetherd data directory (~/.tetherd).
func DefaultHome() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".tetherd")
}

// EnsureDataDirs creates the directory structure rooted at dataDir if it
// does not exist and returns the resolved layout.
func EnsureDataDirs(dataDir string) (DataPaths, error) {
	paths := GetDataPaths(dataDir)

	for _, dir := range []string{paths.Home, paths.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
