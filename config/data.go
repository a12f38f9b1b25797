package config

import (
	"os"
	"path/filepath"
)

// getDataDir determines the data directory path from environment or default.
// Priority: FILEFORGE_DATA_DIR environment variable > "./data" default
func getDataDir() string {
	if dir := os.Getenv("FILEFORGE_DATA_DIR"); dir != "" {
		return dir
	}
	return "./data"
}

// GetDataDir returns the current data directory path.
// The environment is read on every call so tests can point it elsewhere.
func GetDataDir() string {
	return getDataDir()
}

// GetHistoryDBPath returns the full path to the conversion history database.
// Path: {DATA_DIR}/history.db
func GetHistoryDBPath() string {
	return filepath.Join(GetDataDir(), "history.db")
}

// GetWorkDir returns the scratch directory for uploads and in-flight conversions.
// Configurable via FILEFORGE_WORK_DIR, defaults to {os.TempDir}/fileforge.
func GetWorkDir() string {
	if dir := os.Getenv("FILEFORGE_WORK_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "fileforge")
}

// GetArtifactDir returns the base directory used by the local artifact store.
// Path: {DATA_DIR}/artifacts unless FILEFORGE_ARTIFACT_DIR is set.
func GetArtifactDir() string {
	if dir := os.Getenv("FILEFORGE_ARTIFACT_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(GetDataDir(), "artifacts")
}
