package cert

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile stores c as <serial hex>.crt in dir and returns the path. The
// file is written under a temporary name and renamed into place.
func WriteFile(dir string, c *Certificate) (string, error) {
	path := filepath.Join(dir, c.SerialHex()+".crt")

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, c.PEM(), 0644); err != nil {
		return "", fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to store certificate: %w", err)
	}
	return path, nil
}
