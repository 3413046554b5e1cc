package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// KeySourceKind is a closed sum type for where a policy's key bytes live.
type KeySourceKind int

const (
	// KeySourceFile reads the key from a file path, verbatim.
	KeySourceFile KeySourceKind = iota
	// KeySourceEnv reads the key from an environment variable.
	KeySourceEnv
)

// ErrUnsupportedKeySource is returned when a key_source string has neither
// a "file:" nor an "env:" prefix.
var ErrUnsupportedKeySource = errors.New("unsupported key_source")

// ErrEmptyKeySourceValue is returned when a file:/env: reference has an
// empty path or variable name.
var ErrEmptyKeySourceValue = errors.New("key_source reference must not be empty")

// ErrEmptyKeyMaterial is returned when the resolved key bytes are empty —
// an empty file, or an env var that is unset or set to the empty string.
var ErrEmptyKeyMaterial = errors.New("key material must not be empty")

// MaxKeyLen is the platform-defined TCP-AO maximum key length (bytes),
// matching the kernel's TCP_AO_MAXKEYLEN.
const MaxKeyLen = 80

// ErrKeyTooLong is returned when resolved key material exceeds MaxKeyLen.
var ErrKeyTooLong = errors.New("key material exceeds maximum tcp-ao key length")

// KeySource is a tagged descriptor for where a policy's key bytes come
// from. It is deliberately a closed sum (Kind + single Value field)
// rather than a pair of strings, so construction sites are forced to
// classify the source instead of guessing from string shape.
type KeySource struct {
	Kind  KeySourceKind
	Value string // path for KeySourceFile, variable name for KeySourceEnv
}

// String renders the canonical "file:PATH" / "env:VAR" form, safe to log —
// it never contains key material.
func (ks KeySource) String() string {
	switch ks.Kind {
	case KeySourceFile:
		return "file:" + ks.Value
	case KeySourceEnv:
		return "env:" + ks.Value
	default:
		return "unknown"
	}
}

// ParseKeySource parses a "file:PATH" or "env:VAR" string into a KeySource.
func ParseKeySource(s string) (KeySource, error) {
	switch {
	case strings.HasPrefix(s, "file:"):
		path := strings.TrimPrefix(s, "file:")
		if path == "" {
			return KeySource{}, fmt.Errorf("file key_source: %w", ErrEmptyKeySourceValue)
		}
		return KeySource{Kind: KeySourceFile, Value: path}, nil
	case strings.HasPrefix(s, "env:"):
		name := strings.TrimPrefix(s, "env:")
		if name == "" {
			return KeySource{}, fmt.Errorf("env key_source: %w", ErrEmptyKeySourceValue)
		}
		return KeySource{Kind: KeySourceEnv, Value: name}, nil
	default:
		return KeySource{}, fmt.Errorf("%q: %w", s, ErrUnsupportedKeySource)
	}
}

// Load resolves the raw key bytes. Callers must not retain the returned
// slice beyond the Host AO Binding call that installs it on a socket.
//
// A file source is read byte-for-byte, including any trailing newline —
// the kernel treats the key as an opaque byte string, so trailing
// whitespace in a key file is significant and not trimmed here.
func (ks KeySource) Load() ([]byte, error) {
	var raw []byte

	switch ks.Kind {
	case KeySourceFile:
		b, err := os.ReadFile(ks.Value)
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", ks.Value, err)
		}
		raw = b
	case KeySourceEnv:
		v, ok := os.LookupEnv(ks.Value)
		if !ok || v == "" {
			return nil, fmt.Errorf("env var %s: %w", ks.Value, ErrEmptyKeyMaterial)
		}
		raw = []byte(v)
	default:
		return nil, fmt.Errorf("%s: %w", ks.String(), ErrUnsupportedKeySource)
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: %w", ks.String(), ErrEmptyKeyMaterial)
	}
	if len(raw) > MaxKeyLen {
		return nil, fmt.Errorf("%s: %d bytes: %w", ks.String(), len(raw), ErrKeyTooLong)
	}

	return raw, nil
}
