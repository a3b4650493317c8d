// Package fingerprint computes near-duplicate fingerprints of grid
// snapshots. The navigation controller compares the fingerprint of a
// deeper scroll against its predecessor: when the two are similar the
// scroll produced no new content and the pagination chain ends.
package fingerprint

import (
	"hash/fnv"
	"math/bits"
	"strings"

	"golang.org/x/net/html"
)

// SameContentThreshold is the Hamming distance at or under which two
// snapshots are treated as carrying the same grid content.
const SameContentThreshold = 3

// Of computes a 64-bit SimHash of the given text. It uses FNV-64a on
// word-level tokens with bit vector accumulation, so small local edits
// move few bits.
func Of(text string) uint64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	var vector [64]int

	for _, word := range words {
		h := fnv.New64a()
		h.Write([]byte(word))
		sum := h.Sum64()

		for i := 0; i < 64; i++ {
			if sum&(1<<uint(i)) != 0 {
				vector[i]++
			} else {
				vector[i]--
			}
		}
	}

	var fp uint64
	for i := 0; i < 64; i++ {
		if vector[i] > 0 {
			fp |= 1 << uint(i)
		}
	}

	return fp
}

// OfSnapshot fingerprints a page snapshot by the hrefs of its post grid
// anchors rather than the full markup. Two captures of the same grid
// with different ad payloads or hydration noise still land on the same
// fingerprint, while one newly loaded video flips it.
func OfSnapshot(rawHTML string) uint64 {
	hrefs := extractAnchorHrefs(rawHTML)
	if len(hrefs) == 0 {
		// Pages without anchors (error interstitials) fall back to text.
		return Of(rawHTML)
	}
	return Of(strings.Join(hrefs, " "))
}

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Similar reports whether two fingerprints are within the threshold.
func Similar(a, b uint64, threshold int) bool {
	return Distance(a, b) <= threshold
}

// extractAnchorHrefs walks the HTML with the tokenizer and collects
// anchor href values in document order.
func extractAnchorHrefs(rawHTML string) []string {
	tokenizer := html.NewTokenizer(strings.NewReader(rawHTML))
	var hrefs []string

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return hrefs
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tokenizer.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := tokenizer.TagAttr()
				if string(key) == "href" {
					hrefs = append(hrefs, string(val))
				}
				if !more {
					break
				}
			}
		}
	}
}
