package nest

import (
	"fmt"
	"strings"
)

// Kind identifies an archive format.
type Kind uint8

const (
	KindNone Kind = iota
	KindFolder
	KindZip
	KindSevenZip
	KindPdf
	KindPlugin
	KindMedia
	KindPlaylist
)

var kindNames = [...]string{
	KindNone:     "none",
	KindFolder:   "folder",
	KindZip:      "zip",
	KindSevenZip: "7z",
	KindPdf:      "pdf",
	KindPlugin:   "plugin",
	KindMedia:    "media",
	KindPlaylist: "playlist",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind parses a kind name as printed by String.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	switch s {
	case "sevenzip":
		return KindSevenZip, nil
	case "", "auto":
		return KindNone, nil
	}
	return KindNone, fmt.Errorf("nest: unknown kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsArchive reports whether k holds entries other than itself.
func (k Kind) IsArchive() bool {
	return k != KindNone && k != KindMedia
}
