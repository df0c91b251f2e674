// Package fingerprint derives the deduplication key for a query text.
//
// Two texts that differ only in block comments, whitespace or letter case
// produce the same fingerprint, so concurrent submissions of trivially
// reformatted queries collapse onto one execution.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
)

var blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)

// Sum returns the hex digest of the normalized query text. It is a pure
// function; the empty string hashes to the digest of the empty normalized
// string.
func Sum(queryText string) string {
	normalized := blockComments.ReplaceAllString(queryText, "")
	normalized = strings.Join(strings.Fields(normalized), "")
	normalized = strings.ToLower(normalized)
	digest := md5.Sum([]byte(normalized))
	return hex.EncodeToString(digest[:])
}
