// Package sanitize normalizes vector store collection names and validates
// user-supplied paths and run ids.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// MaxIdentifierLength is the longest collection name Qdrant and chromem
// accept.
const MaxIdentifierLength = 64

// DefaultIdentifier replaces names with no usable characters.
const DefaultIdentifier = "default"

var invalidRun = regexp.MustCompile(`[^a-z0-9]+`)

// Identifier maps s onto ^[a-z0-9_]{1,64}$. Runs of other characters become
// a single underscore. Names longer than MaxIdentifierLength keep a prefix
// and gain an 8-hex-digit hash of the full name, so distinct long names
// stay distinct.
//
//	"simplewiki-en" -> "simplewiki_en"
//	"My Documents!" -> "my_documents"
//	"" or "!!!"     -> "default"
func Identifier(s string) string {
	id := strings.Trim(invalidRun.ReplaceAllString(strings.ToLower(s), "_"), "_")
	if id == "" {
		return DefaultIdentifier
	}
	if len(id) <= MaxIdentifierLength {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	suffix := "_" + hex.EncodeToString(sum[:4])
	return strings.TrimRight(id[:MaxIdentifierLength-len(suffix)], "_") + suffix
}
