//go:build !(darwin || freebsd || linux || netbsd || windows)

package platform

// ReadZone always reports ErrNoZone.
func ReadZone(string) ([]byte, error) {
	return nil, ErrNoZone
}

// WriteZone is a no-op.
func WriteZone(string, []byte) error {
	return nil
}
