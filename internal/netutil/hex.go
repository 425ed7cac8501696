// Package netutil holds small helpers shared by the proxy core: hex codecs
// for password hashes, hostname glob lists, and listener/tunnel address
// specifications.
package netutil

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseHex decodes a hexadecimal string into bytes. The input must have an
// even number of digits and decode to at least minBytes bytes. Whitespace
// around the value is ignored.
func ParseHex(s string, minBytes int) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("hex value has odd length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex value: %w", err)
	}
	if len(b) < minBytes {
		return nil, fmt.Errorf("hex value too short: %d bytes, need %d", len(b), minBytes)
	}
	return b, nil
}

// FormatHex encodes bytes as a lowercase hexadecimal string, the format
// accepted back by ParseHex and used in config files.
func FormatHex(b []byte) string {
	return hex.EncodeToString(b)
}
