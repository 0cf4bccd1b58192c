// Package charset decodes entry names stored by legacy archivers in a
// local code page instead of UTF-8.
package charset

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
)

// Auto selects UTF-8 when the raw name is valid UTF-8 and CP437 (the zip
// default) otherwise.
const Auto = "auto"

// ErrUnknownEncoding is returned for labels neither index recognizes.
var ErrUnknownEncoding = errors.New("charset: unknown encoding")

var lookups sync.Map // label -> encoding.Encoding

// Lookup resolves an encoding label such as "shift_jis", "gbk" or "ibm437".
// WHATWG labels are tried first, then IANA names.
func Lookup(label string) (encoding.Encoding, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if cached, ok := lookups.Load(label); ok {
		return cached.(encoding.Encoding), nil //nolint:errcheck // only encodings are stored
	}
	enc, err := htmlindex.Get(label)
	if err != nil || enc == nil {
		enc, err = ianaindex.IANA.Encoding(label)
	}
	if err != nil || enc == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, label)
	}
	lookups.Store(label, enc)
	return enc, nil
}

// Decode converts a raw name to UTF-8 using the configured label.
// An empty label or Auto applies the zip default.
func Decode(raw, label string) (string, error) {
	if label == "" || strings.EqualFold(label, Auto) {
		if utf8.ValidString(raw) {
			return raw, nil
		}
		return charmap.CodePage437.NewDecoder().String(raw)
	}
	enc, err := Lookup(label)
	if err != nil {
		return raw, err
	}
	return enc.NewDecoder().String(raw)
}
