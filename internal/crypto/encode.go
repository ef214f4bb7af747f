package crypto

import "encoding/base64"

// B64 returns standard base64 encoding without newlines.
func B64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// B64Decode reverses B64.
func B64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
