// Package replay implements the experience (replay) buffer: a bounded FIFO store of finished games, that
// produces training examples by sampling moves uniformly over all the stored moves.
//
// Examples are not materialized when games are added, only the game history is kept. The examples are
// reconstructed with features.ExampleAt when sampled.
package replay

import (
	"math/bits"
	"math/rand/v2"
	"sync"

	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnderflow is returned by Sample when there is nothing to sample from.
var ErrUnderflow = errors.New("replay buffer has no moves to sample from")

// Buffer holds up to Capacity games, evicting the oldest when full.
//
// Selection of a game is proportional to its number of moves: games with no moves are never selected.
// It is safe for concurrent use.
type Buffer struct {
	mu sync.Mutex

	// games is a ring: the oldest game is at games[(next-size+capacity)%capacity].
	games      []*features.Game
	next, size int

	// weights holds the number of moves per slot of games, and totalMoves its sum.
	weights    fenwick
	totalMoves int

	// totalAdded counts every game ever added, including the evicted ones.
	totalAdded int64

	// dims of every game, set by the first Add.
	dims features.Dims

	rng     *rand.Rand
	augment bool
}

// New creates an empty Buffer for up to capacity games. The seed is used for sampling.
func New(capacity int, seed uint64) (*Buffer, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("replay buffer capacity must be > 0, got %d", capacity)
	}
	return &Buffer{
		games:   make([]*features.Game, capacity),
		weights: make(fenwick, capacity+1),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// SetAugment enables the random symmetry transformation of the sampled examples.
func (b *Buffer) SetAugment(augment bool) *Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.augment = augment
	return b
}

// Add a finished game. If the buffer is full the oldest game is evicted first.
// The buffer takes ownership of game: it must not be changed afterward.
//
// All games must have the same dimensions, those of the first game added, so sampled batches are uniform.
func (b *Buffer) Add(game *features.Game) error {
	if err := game.Validate(); err != nil {
		return errors.WithMessage(err, "replay buffer refused game")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.totalAdded == 0 {
		b.dims = game.Dims
	} else if game.Dims != b.dims {
		return errors.Errorf("replay buffer refused game %s with dimensions %s, the buffer holds games with %s",
			game.ID, game.Dims, b.dims)
	}

	slot := b.next
	capacity := len(b.games)
	if b.size == capacity {
		evicted := b.games[slot]
		b.weights.add(slot, -evicted.NumMoves())
		b.totalMoves -= evicted.NumMoves()
		klog.V(3).Infof("replay: evicted game %s (%d moves)", evicted.ID, evicted.NumMoves())
	} else {
		b.size++
	}
	b.games[slot] = game
	b.weights.add(slot, game.NumMoves())
	b.totalMoves += game.NumMoves()
	b.next = (slot + 1) % capacity
	b.totalAdded++
	return nil
}

// Sample returns batchSize examples. Moves are drawn uniformly (with replacement) over all stored moves, which
// is the same as drawing a game with probability proportional to its number of moves, and then a uniformly
// random ply of that game.
//
// It returns ErrUnderflow if there are no stored moves.
func (b *Buffer) Sample(batchSize int) ([]features.Example, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d for sampling", batchSize)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.totalMoves == 0 {
		return nil, errors.Wrapf(ErrUnderflow, "%d games stored", b.size)
	}
	examples := make([]features.Example, batchSize)
	for ii := range examples {
		slot, ply := b.weights.search(b.rng.IntN(b.totalMoves))
		transform := features.Identity
		if b.augment {
			transform = features.RandomTransform(b.rng)
		}
		var err error
		examples[ii], err = features.ExampleAt(b.games[slot], ply, transform)
		if err != nil {
			return nil, errors.WithMessagef(err, "replay buffer slot %d", slot)
		}
	}
	return examples, nil
}

// Len returns the number of games stored.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// NumMoves returns the total number of moves of all stored games.
func (b *Buffer) NumMoves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalMoves
}

// Capacity is the maximum number of games stored.
func (b *Buffer) Capacity() int { return len(b.games) }

// TotalAdded returns the number of games ever added, including the ones already evicted.
func (b *Buffer) TotalAdded() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalAdded
}

// Games returns the stored games, oldest first.
func (b *Buffer) Games() []*features.Game {
	b.mu.Lock()
	defer b.mu.Unlock()
	capacity := len(b.games)
	games := make([]*features.Game, 0, b.size)
	for ii := range b.size {
		games = append(games, b.games[(b.next-b.size+ii+capacity)%capacity])
	}
	return games
}

// fenwick is a binary indexed tree over the number of moves per slot. Index 0 is unused.
type fenwick []int

// add delta to the weight of slot.
func (f fenwick) add(slot, delta int) {
	for ii := slot + 1; ii < len(f); ii += ii & -ii {
		f[ii] += delta
	}
}

// search returns the slot holding the target-th move (0-based, counting from slot 0), and the offset of that
// move within the slot. target must be smaller than the total weight.
func (f fenwick) search(target int) (slot, offset int) {
	pos := 0
	for step := 1 << (bits.Len(uint(len(f)-1)) - 1); step > 0; step >>= 1 {
		if next := pos + step; next < len(f) && f[next] <= target {
			pos = next
			target -= f[next]
		}
	}
	return pos, target
}
