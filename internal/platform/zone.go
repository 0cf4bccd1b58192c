// Package platform reads and writes the marker operating systems attach to
// files downloaded from the network.
package platform

import "errors"

// ErrNoZone is returned by ReadZone when the file carries no marker or the
// platform has no such concept.
var ErrNoZone = errors.New("platform: no zone marker")

// CopyZone copies the marker of src onto dst. A src without a marker is not
// an error.
func CopyZone(src, dst string) error {
	data, err := ReadZone(src)
	if errors.Is(err, ErrNoZone) {
		return nil
	}
	if err != nil {
		return err
	}
	return WriteZone(dst, data)
}
