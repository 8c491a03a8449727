package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/you/dex-arb/internal/types"
)

func qpath(pair string, bps float64) types.ArbitragePath {
	return types.ArbitragePath{
		Pair:      pair,
		BuyVenue:  types.VenueUniswapV3,
		SellVenue: types.VenueSushiV2,
		ProfitBps: bps,
	}
}

func TestQueue_BestFirst(t *testing.T) {
	q := newQueue(8)
	require.True(t, q.Push(qpath("A/USDT", 20)))
	require.True(t, q.Push(qpath("B/USDT", 50)))
	require.True(t, q.Push(qpath("C/USDT", 35)))

	p, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "B/USDT", p.Pair)

	p, _ = q.Pop()
	assert.Equal(t, "C/USDT", p.Pair)
	p, _ = q.Pop()
	assert.Equal(t, "A/USDT", p.Pair)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueue_FullDisplacesWorst(t *testing.T) {
	q := newQueue(2)
	require.True(t, q.Push(qpath("A/USDT", 20)))
	require.True(t, q.Push(qpath("B/USDT", 50)))

	// worse than everything queued: rejected
	assert.False(t, q.Push(qpath("C/USDT", 10)))
	assert.Equal(t, 2, q.Len())

	// better than the worst: takes its place
	assert.True(t, q.Push(qpath("D/USDT", 30)))
	assert.Equal(t, 2, q.Len())

	p, _ := q.Pop()
	assert.Equal(t, "B/USDT", p.Pair)
	p, _ = q.Pop()
	assert.Equal(t, "D/USDT", p.Pair)
}

func TestQueue_ResubmitReplacesStaleCopy(t *testing.T) {
	q := newQueue(8)
	require.True(t, q.Push(qpath("A/USDT", 20)))
	require.True(t, q.Push(qpath("A/USDT", 60)))

	assert.Equal(t, 1, q.Len())
	p, _ := q.Pop()
	assert.Equal(t, 60.0, p.ProfitBps)
}
