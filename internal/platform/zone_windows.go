//go:build windows

package platform

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const zoneStream = ":Zone.Identifier"

// ReadZone returns the Zone.Identifier alternate data stream of path.
func ReadZone(path string) ([]byte, error) {
	data, err := os.ReadFile(path + zoneStream)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoZone
		}
		return nil, fmt.Errorf("platform: read zone %s: %w", path, err)
	}
	return data, nil
}

// WriteZone writes data to the Zone.Identifier stream of path.
func WriteZone(path string, data []byte) error {
	if err := os.WriteFile(path+zoneStream, data, 0o644); err != nil {
		return fmt.Errorf("platform: write zone %s: %w", path, err)
	}
	return nil
}
