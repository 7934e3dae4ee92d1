package util

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// DataDirEnv overrides the data directory (tests point it at a temp dir)
const DataDirEnv = "NEARBY_PAIRING_DIR"

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".nearby-pairing-data")
	}
	return filepath.Join(home, ".nearby-pairing-data")
}

// GetEndpointDir returns the per-endpoint directory used for debug logs
func GetEndpointDir(dataDir, endpointID string) string {
	return filepath.Join(dataDir, endpointID)
}

// GetServiceSocketDir returns the directory where endpoints advertising serviceID
// place their sockets and advertisements. The service id is hashed so arbitrary
// strings stay short and filesystem safe (unix socket paths are length limited).
func GetServiceSocketDir(dataDir, serviceID string) string {
	sum := sha256.Sum256([]byte(serviceID))
	return filepath.Join(dataDir, "sockets", hex.EncodeToString(sum[:])[:12])
}
