// Package keys builds the redis keys of the record mirror and the keys of the
// in-process lookup caches.
package keys

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const maxFilterTextLen = 160

var punctSpace = regexp.MustCompile(`\s*([=<>!\.,\(\)])\s*`)

// RecordKey is the redis key of one mirrored record.
func RecordKey(dataSource string, id int64) string {
	return "rec:" + sanitize(strings.TrimSpace(dataSource), "") + ":" + strconv.FormatInt(id, 10)
}

// IndexKey is the redis set listing the mirrored record ids of a data source.
func IndexKey(dataSource string) string {
	return "rec:" + sanitize(strings.TrimSpace(dataSource), "") + ":ids"
}

// LookupKey identifies an auxiliary layer lookup for an H3 cell. Equivalent
// filters that differ only in spacing map to the same key.
func LookupKey(layer string, res int, cell, filter string) string {
	layerNorm := sanitize(strings.TrimSpace(layer), "")
	filterText := normalizeFilter(filter)
	filterSafe := sanitize(filterText, "=")
	if len(filterSafe) > maxFilterTextLen {
		filterSafe = filterSafe[:maxFilterTextLen]
	}
	sum := xxhash.Sum64String(layer + "\x00" + filterText)
	return fmt.Sprintf("%s:%d:%s:filter=%s:f=%016x", layerNorm, res, cell, filterSafe, sum)
}

func normalizeFilter(s string) string {
	if s == "" {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	return punctSpace.ReplaceAllString(s, "$1")
}

// sanitize maps whitespace to '_', keeps [A-Za-z0-9:_-] plus extra, and maps
// everything else to '-', collapsing repeated separators.
func sanitize(s, extra string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case unicode.IsSpace(r):
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || strings.ContainsRune(extra, r):
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
