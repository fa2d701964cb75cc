package storage

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// DefaultEncoding is used when ReadText or WriteText get an empty encoding.
const DefaultEncoding = "utf-8"

// lookupEncoding resolves a WHATWG encoding label such as "utf-8", "gbk" or
// "shift_jis".
func lookupEncoding(name string) (encoding.Encoding, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultEncoding
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("storage: unknown text encoding %q: %w", name, err)
	}

	return enc, nil
}

// DecodeText converts raw bytes in the named encoding to a UTF-8 string.
func DecodeText(data []byte, name string) (string, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return "", err
	}

	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("storage: decoding %s text: %w", name, err)
	}

	return string(out), nil
}

// EncodeText converts a UTF-8 string into the named encoding.
func EncodeText(text, name string) ([]byte, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}

	out, err := enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("storage: encoding %s text: %w", name, err)
	}

	return out, nil
}
