// Package shuffle generates exchangeability-block-respecting subject
// permutations for Freedman-Lane inference, deterministically from a
// splittable seed.
package shuffle

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// ErrInsufficientPermutations is returned when the requested
// permutation count exceeds the exchangeability-block orbit size.
var ErrInsufficientPermutations = errors.New("shuffle: requested permutation count exceeds orbit size")

// Shuffle is one generated permutation: Data[i] names the original
// subject index now occupying output position i.
type Shuffle struct {
	Index int
	Data  []int
}

// Shuffler generates a deterministic, reproducible sequence of
// block-respecting permutations. Shuffle 0 is always the identity.
type Shuffler struct {
	n       int
	blocks  []int
	visited map[string]bool
	rng     *rand.Rand
	seq     []Shuffle
	pos     int
}

// New builds a Shuffler over n subjects. blocks assigns each subject
// to an exchangeability block (nil or all-equal means one block
// spanning every subject); permutations only reorder within a block.
func New(n, nPermutations int, blocks []int, seed [2]uint64) (*Shuffler, error) {
	if blocks == nil {
		blocks = make([]int, n)
	}
	if len(blocks) != n {
		return nil, fmt.Errorf("shuffle: blocks has %d entries, want %d", len(blocks), n)
	}

	orbit := orbitSize(blocks)
	if orbit > 0 && int64(nPermutations) > orbit {
		return nil, ErrInsufficientPermutations
	}

	s := &Shuffler{
		n:       n,
		blocks:  blocks,
		visited: make(map[string]bool, nPermutations),
		rng:     rand.New(rand.NewPCG(seed[0], seed[1])),
	}
	s.seq = s.generate(nPermutations)
	return s, nil
}

// orbitSize computes prod(block size!) as an int64, saturating at a
// large sentinel on overflow so callers never need to worry about
// enormous factorials for large blocks.
func orbitSize(blocks []int) int64 {
	counts := make(map[int]int64)
	for _, b := range blocks {
		counts[b]++
	}
	const cap64 = 1 << 62
	var total int64 = 1
	for _, c := range counts {
		f := factorial(c)
		if f > cap64/total {
			return cap64
		}
		total *= f
	}
	return total
}

func factorial(n int64) int64 {
	var f int64 = 1
	for i := int64(2); i <= n; i++ {
		f *= i
		if f > 1<<62 {
			return 1 << 62
		}
	}
	return f
}

func (s *Shuffler) generate(nPermutations int) []Shuffle {
	out := make([]Shuffle, 0, nPermutations)

	identity := make([]int, s.n)
	for i := range identity {
		identity[i] = i
	}
	out = append(out, Shuffle{Index: 0, Data: identity})
	s.visited[key(identity)] = true

	for len(out) < nPermutations {
		perm := s.permuteOnce()
		k := key(perm)
		if s.visited[k] {
			continue
		}
		s.visited[k] = true
		out = append(out, Shuffle{Index: len(out), Data: perm})
	}
	return out
}

// permuteOnce runs Fisher-Yates independently within each block,
// leaving cross-block positions fixed.
func (s *Shuffler) permuteOnce() []int {
	perm := make([]int, s.n)
	copy(perm, identityIndices(s.n))

	positions := make(map[int][]int)
	for i, b := range s.blocks {
		positions[b] = append(positions[b], i)
	}

	for _, idxs := range positions {
		vals := make([]int, len(idxs))
		for k, p := range idxs {
			vals[k] = p
		}
		for i := len(vals) - 1; i > 0; i-- {
			j := s.rng.IntN(i + 1)
			vals[i], vals[j] = vals[j], vals[i]
		}
		for k, p := range idxs {
			perm[p] = vals[k]
		}
	}
	return perm
}

func identityIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func key(perm []int) string {
	b := make([]byte, 0, len(perm)*4)
	for _, v := range perm {
		b = append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	return string(b)
}

// Len reports the number of generated permutations.
func (s *Shuffler) Len() int { return len(s.seq) }

// Reset rewinds iteration back to the first generated permutation.
func (s *Shuffler) Reset() { s.pos = 0 }

// Next returns the next permutation in sequence, or false once
// exhausted.
func (s *Shuffler) Next() (Shuffle, bool) {
	if s.pos >= len(s.seq) {
		return Shuffle{}, false
	}
	sh := s.seq[s.pos]
	s.pos++
	return sh, true
}

// All returns every generated permutation, for fan-out across
// workers that each consume a distinct shuffle index.
func (s *Shuffler) All() []Shuffle {
	return s.seq
}
