// Package dedup provides the SimHash duplicate filter for news items.
// Near-duplicate titles hash to fingerprints within a small Hamming distance,
// so a banded lookup plus an exact distance check catches re-published
// articles without comparing full texts.
package dedup

import (
	"hash/fnv"
	"math/bits"
	"strings"
)

const fingerprintBits = 64

// Fingerprint computes a 64-bit SimHash over the whitespace tokens of
// title + " " + content. Returned signed so it round-trips through sqlite
// INTEGER columns without loss.
func Fingerprint(title, content string) int64 {
	var weights [fingerprintBits]int

	for _, token := range strings.Fields(title + " " + content) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		for bit := 0; bit < fingerprintBits; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}

	var fp uint64
	for bit := 0; bit < fingerprintBits; bit++ {
		if weights[bit] > 0 {
			fp |= 1 << uint(bit)
		}
	}
	return int64(fp)
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(a, b int64) int {
	return bits.OnesCount64(uint64(a) ^ uint64(b))
}

// Bands splits a fingerprint into four 16-bit bands. Two fingerprints within
// Hamming distance 3 must agree on at least one band (pigeonhole), so the
// lookup only scans rows sharing a band value.
func Bands(fp int64) [4]uint16 {
	u := uint64(fp)
	return [4]uint16{
		uint16(u),
		uint16(u >> 16),
		uint16(u >> 32),
		uint16(u >> 48),
	}
}
