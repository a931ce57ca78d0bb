package helpers

import (
	"encoding/hex"
	"strings"
)

// Gateways and their tooling exchange binary as upper case hex.
func HexUpper(b []byte) string { return strings.ToUpper(hex.EncodeToString(b)) }

func MustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
