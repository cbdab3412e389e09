package sources

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// HashURL returns the dedup key for a canonical search URL. Two
// subscribers entering the same URL share one tracked-search row.
func HashURL(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}

// stripJunk removes the whitespace and wrapper characters chat clients
// like to smuggle into pasted URLs.
func stripJunk(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	s = strings.Trim(s, "<>")
	s = strings.NewReplacer(" ", "", "\n", "", "\r", "", "\t", "").Replace(s)
	return s
}

// decodeLegacyEscapes decodes percent escapes using the site's legacy
// byte encoding instead of UTF-8. The target sites are legacy systems:
// %8A in a Windows-1250 URL is 'Š', which a UTF-8 unescape would mangle
// or reject outright.
func decodeLegacyEscapes(s string, cm *charmap.Charmap) (string, error) {
	raw := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			raw = append(raw, hexByte(s[i+1], s[i+2]))
			i += 2
			continue
		}
		if s[i] == '+' {
			raw = append(raw, ' ')
			continue
		}
		raw = append(raw, s[i])
	}
	decoded, err := cm.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexByte(hi, lo byte) byte {
	return unhex(hi)<<4 | unhex(lo)
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
