package shuffle

import "testing"

func isPermutation(data []int, n int) bool {
	if len(data) != n {
		return false
	}
	seen := make([]bool, n)
	for _, v := range data {
		if v < 0 || v >= n || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}

func TestNewInsufficientPermutationsErrors(t *testing.T) {
	// n=2, single block: orbit size = 2! = 2.
	_, err := New(2, 5, nil, [2]uint64{1, 2})
	if err != ErrInsufficientPermutations {
		t.Fatalf("err = %v, want ErrInsufficientPermutations", err)
	}
}

func TestFirstShuffleIsIdentity(t *testing.T) {
	s, err := New(6, 4, nil, [2]uint64{1, 2})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	first, ok := s.Next()
	if !ok {
		t.Fatal("expected first shuffle")
	}
	if first.Index != 0 {
		t.Fatalf("Index = %d, want 0", first.Index)
	}
	for i, v := range first.Data {
		if v != i {
			t.Fatalf("Data[%d] = %d, want %d (identity)", i, v, i)
		}
	}
}

func TestPermutationsAreValid(t *testing.T) {
	s, err := New(8, 20, nil, [2]uint64{3, 4})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	for _, sh := range s.All() {
		if !isPermutation(sh.Data, 8) {
			t.Fatalf("shuffle %d is not a valid permutation: %v", sh.Index, sh.Data)
		}
	}
}

func TestNoDuplicatePermutations(t *testing.T) {
	s, err := New(8, 20, nil, [2]uint64{3, 4})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	seen := make(map[string]bool)
	for _, sh := range s.All() {
		k := key(sh.Data)
		if seen[k] {
			t.Fatalf("duplicate permutation at index %d", sh.Index)
		}
		seen[k] = true
	}
}

func TestSameSeedReproducible(t *testing.T) {
	s1, _ := New(10, 15, nil, [2]uint64{7, 9})
	s2, _ := New(10, 15, nil, [2]uint64{7, 9})
	for i := range s1.All() {
		a, b := s1.All()[i], s2.All()[i]
		for j := range a.Data {
			if a.Data[j] != b.Data[j] {
				t.Fatalf("shuffle %d differs between identical seeds", i)
			}
		}
	}
}

func TestDifferentSeedsDiffer(t *testing.T) {
	s1, _ := New(10, 15, nil, [2]uint64{7, 9})
	s2, _ := New(10, 15, nil, [2]uint64{11, 13})
	same := true
	for i := range s1.All() {
		a, b := s1.All()[i], s2.All()[i]
		for j := range a.Data {
			if a.Data[j] != b.Data[j] {
				same = false
			}
		}
	}
	if same {
		t.Fatal("expected different seeds to produce a different permutation sequence")
	}
}

func TestResetRewindsIteration(t *testing.T) {
	s, _ := New(5, 3, nil, [2]uint64{1, 1})
	first, _ := s.Next()
	s.Next()
	s.Next()
	if _, ok := s.Next(); ok {
		t.Fatal("expected exhaustion after Len() calls to Next")
	}
	s.Reset()
	again, ok := s.Next()
	if !ok {
		t.Fatal("expected a shuffle after Reset")
	}
	if again.Index != first.Index {
		t.Fatalf("Index after reset = %d, want %d", again.Index, first.Index)
	}
}

func TestExchangeabilityBlocksRespected(t *testing.T) {
	blocks := []int{0, 0, 0, 1, 1, 1}
	s, err := New(6, 10, blocks, [2]uint64{5, 6})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	for _, sh := range s.All() {
		for i, v := range sh.Data {
			if blocks[i] != blocks[v] {
				t.Fatalf("shuffle %d moved position %d (block %d) to subject %d (block %d)",
					sh.Index, i, blocks[i], v, blocks[v])
			}
		}
	}
}

func TestLenMatchesRequestedCount(t *testing.T) {
	s, err := New(6, 10, nil, [2]uint64{2, 2})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if s.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", s.Len())
	}
}
