//go:build darwin || freebsd || linux || netbsd

package platform

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/pkg/xattr"
)

func zoneAttr() string {
	if runtime.GOOS == "darwin" {
		return "com.apple.quarantine"
	}
	return "user.xdg.origin.url"
}

// ReadZone returns the raw marker attached to path.
func ReadZone(path string) ([]byte, error) {
	data, err := xattr.Get(path, zoneAttr())
	if err != nil {
		if errors.Is(err, xattr.ENOATTR) {
			return nil, ErrNoZone
		}
		return nil, fmt.Errorf("platform: read zone %s: %w", path, err)
	}
	return data, nil
}

// WriteZone attaches data as the marker of path.
func WriteZone(path string, data []byte) error {
	if err := xattr.Set(path, zoneAttr(), data); err != nil {
		return fmt.Errorf("platform: write zone %s: %w", path, err)
	}
	return nil
}
