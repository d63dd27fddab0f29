package knowledge

import (
	"hash/fnv"
	"math/bits"
	"strings"
)

// nearDuplicateThreshold is the max hamming distance between two simhashes
// for documents to count as near-duplicates of each other.
const nearDuplicateThreshold = 3

// Simhash64 computes a 64-bit simhash over lowercased whitespace tokens.
// Documents with mostly-shared token sets land within a few bits of each
// other even when the exact bytes differ.
func Simhash64(text string) uint64 {
	var weights [64]int
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		for bit := 0; bit < 64; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}
	var out uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			out |= 1 << uint(bit)
		}
	}
	return out
}

// HammingDistance counts differing bits between two simhashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
