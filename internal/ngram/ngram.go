// Package ngram extracts contiguous syscall subsequences from window
// sequences.
//
// A Gram is a value type: two grams built from the same syscall numbers
// in the same order compare equal and hash identically, which makes
// grams usable directly as map keys. Extraction is a pure function of
// its input.
package ngram

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Gram is an ordered tuple of syscall numbers packed into an opaque
// string key (big-endian, 4 bytes per number).
type Gram string

// Pack builds a Gram from syscall numbers.
func Pack(syscalls []uint32) Gram {
	buf := make([]byte, 4*len(syscalls))
	for i, nr := range syscalls {
		binary.BigEndian.PutUint32(buf[4*i:], nr)
	}
	return Gram(buf)
}

// Syscalls unpacks the gram back into syscall numbers.
func (g Gram) Syscalls() []uint32 {
	out := make([]uint32, len(g)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32([]byte(g[4*i : 4*i+4]))
	}
	return out
}

// String renders the gram for logs, e.g. "(2 3 4)".
func (g Gram) String() string {
	parts := g.Syscalls()
	strs := make([]string, len(parts))
	for i, nr := range parts {
		strs[i] = fmt.Sprintf("%d", nr)
	}
	return "(" + strings.Join(strs, " ") + ")"
}

// Counts holds the gram occurrence counts for one window. Distinct
// grams are also kept in first-occurrence order so that consumers that
// need a stable enumeration (vocabulary construction) do not depend on
// map iteration order.
type Counts struct {
	n      int
	total  int
	counts map[Gram]int
	order  []Gram
}

// Extract produces the occurrence counts of all contiguous length-n
// subsequences of seq. A sequence shorter than n yields empty counts.
// n must be >= 1.
func Extract(seq []uint32, n int) Counts {
	c := Counts{n: n, counts: make(map[Gram]int)}
	if n < 1 || len(seq) < n {
		return c
	}
	for i := 0; i+n <= len(seq); i++ {
		g := Pack(seq[i : i+n])
		if _, seen := c.counts[g]; !seen {
			c.order = append(c.order, g)
		}
		c.counts[g]++
		c.total++
	}
	return c
}

// N returns the gram size the counts were extracted with.
func (c Counts) N() int { return c.n }

// Total returns the number of gram occurrences, which for a sequence of
// length L >= n is L-n+1.
func (c Counts) Total() int { return c.total }

// Count returns the occurrence count for g (0 if absent).
func (c Counts) Count(g Gram) int { return c.counts[g] }

// Distinct returns the distinct grams in first-occurrence order. The
// returned slice is owned by the Counts and must not be modified.
func (c Counts) Distinct() []Gram { return c.order }
