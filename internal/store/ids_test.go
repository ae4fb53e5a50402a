package store

import (
	"errors"
	"sync"
	"testing"
)

func TestMintUniqueRedrawsOnCollision(t *testing.T) {
	calls := 0
	id, err := mintUnique(func(int64) (bool, error) {
		calls++
		return calls < 4, nil
	})
	if err != nil {
		t.Fatalf("mintUnique: %v", err)
	}
	if calls != 4 {
		t.Fatalf("collision checks = %d, want 4", calls)
	}
	if id < 0 {
		t.Fatalf("minted id %d is negative", id)
	}
}

func TestMintUniqueGivesUpAfterRetryBudget(t *testing.T) {
	calls := 0
	_, err := mintUnique(func(int64) (bool, error) {
		calls++
		return true, nil
	})
	if !errors.Is(err, ErrIDExhausted) {
		t.Fatalf("err = %v, want ErrIDExhausted", err)
	}
	if calls != idRetryCount {
		t.Fatalf("collision checks = %d, want %d", calls, idRetryCount)
	}
}

func TestMintUniquePropagatesCheckError(t *testing.T) {
	boom := errors.New("connection reset")
	calls := 0
	_, err := mintUnique(func(int64) (bool, error) {
		calls++
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the check error", err)
	}
	if calls != 1 {
		t.Fatalf("collision checks = %d, want 1", calls)
	}
}

func TestRandomIDIsNonNegative(t *testing.T) {
	for i := 0; i < 100000; i++ {
		if id := randomID(); id < 0 {
			t.Fatalf("randomID() = %d, want non-negative", id)
		}
	}
}

func TestRandomIDHasNoObservableCollisions(t *testing.T) {
	const (
		workers = 8
		draws   = 20000
	)
	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*draws)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, draws)
			for i := 0; i < draws; i++ {
				local = append(local, randomID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if _, dup := seen[id]; dup {
					t.Errorf("randomID() repeated value %d", id)
					return
				}
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()
}
