package config

import (
	"os"
	"path/filepath"
)

// RecordsPath returns the path to the authoritative append-only records
// file under stateDir, per spec §4.B.
func RecordsPath(stateDir string) string {
	return filepath.Join(stateDir, "records.dat")
}

// ResourcesDir returns the content-addressed resources directory under
// stateDir, per spec §4.C.
func ResourcesDir(stateDir string) string {
	return filepath.Join(stateDir, "resources")
}

// PhotosDir returns the photo-upload derivative directory under stateDir,
// per spec §4.K.
func PhotosDir(stateDir string) string {
	return filepath.Join(stateDir, "photos")
}

// AuxDBPath returns the path to the non-authoritative admin-reporting
// sqlite index under stateDir.
func AuxDBPath(stateDir string) string {
	return filepath.Join(stateDir, "auxdb.sqlite")
}

// CredentialsPath returns the path to the server credentials bootstrap
// file under stateDir.
func CredentialsPath(stateDir string) string {
	return filepath.Join(stateDir, "credentials.yaml")
}

// EnsureStateDirs creates stateDir and every subdirectory the server
// writes into, so components can assume they already exist.
func EnsureStateDirs(stateDir string) error {
	for _, dir := range []string{stateDir, ResourcesDir(stateDir), PhotosDir(stateDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
