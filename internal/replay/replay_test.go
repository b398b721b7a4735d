package replay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/janpfeifer/blokusGo/internal/features"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"
)

var testDims = features.Dims{Players: 2, Size: 4}

// markedGame creates a game with numMoves moves, whose score for player 0 is marker, so it can be identified
// from the sampled examples.
func markedGame(marker float32, numMoves int) *features.Game {
	game := &features.Game{
		ID:     fmt.Sprintf("game-%g", marker),
		Dims:   testDims,
		Scores: []float32{marker, 0},
	}
	for ply := range numMoves {
		cell := ply % testDims.NumCells()
		game.History = append(game.History, features.Move{Player: ply % 2, Cell: cell})
		game.Policies = append(game.Policies, features.PolicyTarget{{Cell: cell, Prob: 1}})
	}
	return game
}

func TestBuffer_FIFO(t *testing.T) {
	const capacity, extra = 5, 3
	b, err := New(capacity, 42)
	require.NoError(t, err)
	for ii := range capacity + extra {
		require.NoError(t, b.Add(markedGame(float32(ii), ii+1)))
		assert.LessOrEqual(t, b.Len(), capacity)
	}
	assert.Equal(t, capacity, b.Len())
	assert.Equal(t, int64(capacity+extra), b.TotalAdded())

	// The first `extra` games were evicted, the others are kept in order.
	games := b.Games()
	require.Len(t, games, capacity)
	wantMoves := 0
	for ii, game := range games {
		assert.Equal(t, float32(ii+extra), game.Scores[0])
		wantMoves += game.NumMoves()
	}
	assert.Equal(t, wantMoves, b.NumMoves())

	// No example can come from an evicted game.
	examples, err := b.Sample(500)
	require.NoError(t, err)
	for _, ex := range examples {
		assert.GreaterOrEqual(t, ex.Score[0], float32(extra))
	}
}

func TestBuffer_WeightedSampling(t *testing.T) {
	moveCounts := []int{1, 2, 3, 4, 10}
	b, err := New(len(moveCounts), 7)
	require.NoError(t, err)
	total := 0
	for ii, numMoves := range moveCounts {
		require.NoError(t, b.Add(markedGame(float32(ii), numMoves)))
		total += numMoves
	}
	require.Equal(t, total, b.NumMoves())

	const numSamples = 10_000
	counts := make([]int, len(moveCounts))
	for range numSamples / 100 {
		examples, err := b.Sample(100)
		require.NoError(t, err)
		for _, ex := range examples {
			counts[int(ex.Score[0])]++
		}
	}

	var chi2 float64
	for ii, numMoves := range moveCounts {
		wantFraction := float64(numMoves) / float64(total)
		gotFraction := float64(counts[ii]) / numSamples
		assert.InDeltaf(t, wantFraction, gotFraction, 0.02, "game %d with %d moves", ii, numMoves)
		expected := wantFraction * numSamples
		diff := float64(counts[ii]) - expected
		chi2 += diff * diff / expected
	}
	bound := distuv.ChiSquared{K: float64(len(moveCounts) - 1)}.Quantile(0.9999)
	assert.Lessf(t, chi2, bound, "chi-square statistic of sampled counts %v too large", counts)
}

func TestBuffer_ZeroMoveGames(t *testing.T) {
	b, err := New(3, 1)
	require.NoError(t, err)

	_, err = b.Sample(1)
	require.ErrorIs(t, err, ErrUnderflow)

	// A game without moves is stored, but it is never selected.
	require.NoError(t, b.Add(markedGame(0, 0)))
	assert.Equal(t, 1, b.Len())
	_, err = b.Sample(1)
	require.ErrorIs(t, err, ErrUnderflow)

	require.NoError(t, b.Add(markedGame(1, 2)))
	require.NoError(t, b.Add(markedGame(2, 0)))
	examples, err := b.Sample(200)
	require.NoError(t, err)
	for _, ex := range examples {
		assert.Equal(t, float32(1), ex.Score[0])
	}

	// Evicting the only game with moves makes the buffer degenerate again.
	require.NoError(t, b.Add(markedGame(3, 0)))
	assert.Equal(t, 0, b.NumMoves())
	_, err = b.Sample(1)
	require.ErrorIs(t, err, ErrUnderflow)
}

func TestBuffer_InvalidArguments(t *testing.T) {
	_, err := New(0, 0)
	require.Error(t, err)

	b, err := New(2, 0)
	require.NoError(t, err)
	bad := markedGame(0, 2)
	bad.Policies = bad.Policies[:1]
	require.Error(t, b.Add(bad))
	assert.Equal(t, 0, b.Len())

	require.NoError(t, b.Add(markedGame(0, 2)))
	_, err = b.Sample(0)
	require.Error(t, err)
}

func TestBuffer_MixedDims(t *testing.T) {
	b, err := New(3, 0)
	require.NoError(t, err)
	require.NoError(t, b.Add(markedGame(1, 2)))

	other := &features.Game{
		ID:       "larger",
		Dims:     features.Dims{Players: 2, Size: 5},
		History:  []features.Move{{Player: 0, Cell: 0}},
		Policies: []features.PolicyTarget{{{Cell: 0, Prob: 1}}},
		Scores:   []float32{1, 0},
	}
	require.NoError(t, other.Validate())
	require.ErrorContains(t, b.Add(other), "dimensions")
	assert.Equal(t, 1, b.Len())

	// The dimensions stay pinned after every game is evicted.
	for marker := range 3 {
		require.NoError(t, b.Add(markedGame(float32(marker+2), 1)))
	}
	require.Error(t, b.Add(other))
	examples, err := b.Sample(8)
	require.NoError(t, err)
	for _, ex := range examples {
		assert.Equal(t, testDims, ex.State.Dims)
	}
}

func TestBuffer_Augment(t *testing.T) {
	b, err := New(1, 3)
	require.NoError(t, err)
	b.SetAugment(true)
	require.NoError(t, b.Add(markedGame(0, 1)))

	// The single example is cell 0 marked legal with probability 1: flips move it to the 4 corners.
	corners := make(map[int]bool)
	examples, err := b.Sample(200)
	require.NoError(t, err)
	for _, ex := range examples {
		legal := ex.State.LegalCells()
		require.Len(t, legal, 1)
		assert.Equal(t, float32(1), ex.Policy[legal[0]])
		corners[legal[0]] = true
	}
	assert.Equal(t, map[int]bool{0: true, 3: true, 12: true, 15: true}, corners)
}

func TestBuffer_Concurrent(t *testing.T) {
	b, err := New(10, 5)
	require.NoError(t, err)
	require.NoError(t, b.Add(markedGame(0, 3)))
	var wg sync.WaitGroup
	for ii := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for jj := range 50 {
				if (ii+jj)%2 == 0 {
					assert.NoError(t, b.Add(markedGame(float32(ii), jj%5+1)))
				} else {
					_, err := b.Sample(4)
					assert.NoError(t, err)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, b.Len())
	total := 0
	for _, game := range b.Games() {
		total += game.NumMoves()
	}
	assert.Equal(t, total, b.NumMoves())
}

func TestFenwick_Search(t *testing.T) {
	weights := []int{0, 2, 0, 3, 1}
	f := make(fenwick, len(weights)+1)
	for slot, w := range weights {
		f.add(slot, w)
	}
	var got [][2]int
	for target := range 6 {
		slot, offset := f.search(target)
		got = append(got, [2]int{slot, offset})
	}
	assert.Equal(t, [][2]int{{1, 0}, {1, 1}, {3, 0}, {3, 1}, {3, 2}, {4, 0}}, got)
}
