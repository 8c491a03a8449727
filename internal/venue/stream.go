package venue

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/you/dex-arb/internal/types"
	"go.uber.org/zap"
)

const quoteStaleAfter = 2 * time.Second

type streamQuote struct {
	Type        string  `json:"type"`
	Venue       string  `json:"venue"`
	TokenIn     string  `json:"tokenIn"`
	TokenOut    string  `json:"tokenOut"`
	AmountIn    string  `json:"amountIn"`
	AmountOut   string  `json:"amountOut"`
	FeeTier     uint32  `json:"feeTier"`
	ImpactBps   float64 `json:"impactBps"`
	MinReceived string  `json:"minReceived"`
	Route       string  `json:"route"`
	Hops        int     `json:"hops"`
	TsMs        int64   `json:"tsMs"`

	// trade_result fields
	ID         int64  `json:"id,omitempty"`
	Successful bool   `json:"successful,omitempty"`
	GasUsed    string `json:"gasUsed,omitempty"`
	Error      string `json:"error,omitempty"`
}

type tradeRequest struct {
	Type     string `json:"type"`
	ID       int64  `json:"id"`
	Venue    string `json:"venue"`
	TokenIn  string `json:"tokenIn"`
	TokenOut string `json:"tokenOut"`
	AmountIn string `json:"amountIn"`
}

// Stream is a venue backed by the aggregator's websocket quote feed: quotes
// are served from a cache updated by the stream, trades are request/response
// frames on the same connection.
type Stream struct {
	id     types.VenueID
	url    string
	log    *zap.Logger
	dialer *websocket.Dialer

	mu     sync.RWMutex
	conn   *websocket.Conn
	quotes map[string]types.Quote // key: IN->OUT

	writeMu sync.Mutex // gorilla allows one concurrent data writer

	reqMu   sync.Mutex
	nextID  int64
	pending map[int64]chan streamQuote
}

func NewStream(id types.VenueID, url string, log *zap.Logger) *Stream {
	return &Stream{
		id:  id,
		url: url,
		log: log,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  15 * time.Second,
			EnableCompression: true,
		},
		quotes:  make(map[string]types.Quote, 64),
		pending: make(map[int64]chan streamQuote),
	}
}

func (s *Stream) ID() types.VenueID { return s.id }

// Run maintains the websocket connection until ctx is cancelled,
// reconnecting with backoff on read failures.
func (s *Stream) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		if err := s.runOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("quote stream disconnected",
				zap.String("venue", string(s.id)),
				zap.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *Stream) runOnce(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	sub := struct {
		Method string `json:"method"`
		Venue  string `json:"venue"`
	}{Method: "SUBSCRIPTION", Venue: string(s.id)}
	if err := s.writeJSON(conn, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		t := time.NewTicker(20 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingStop:
				return
			case <-t.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		var msg streamQuote
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

		switch msg.Type {
		case "quote":
			s.storeQuote(msg)
		case "trade_result":
			s.reqMu.Lock()
			ch := s.pending[msg.ID]
			delete(s.pending, msg.ID)
			s.reqMu.Unlock()
			if ch != nil {
				ch <- msg
			}
		}
	}
}

// writeJSON serializes data frames; concurrent trade requests (and the
// subscription frame) share one connection.
func (s *Stream) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (s *Stream) storeQuote(msg streamQuote) {
	in, okIn := new(big.Int).SetString(msg.AmountIn, 10)
	out, okOut := new(big.Int).SetString(msg.AmountOut, 10)
	if !okIn || !okOut || in.Sign() <= 0 || out.Sign() <= 0 {
		return
	}
	minRecv, ok := new(big.Int).SetString(msg.MinReceived, 10)
	if !ok {
		minRecv = out
	}
	ts := time.Now()
	if msg.TsMs > 0 {
		ts = time.UnixMilli(msg.TsMs)
	}
	q := types.Quote{
		Venue:       s.id,
		TokenIn:     types.Token{Symbol: msg.TokenIn},
		TokenOut:    types.Token{Symbol: msg.TokenOut},
		AmountIn:    in,
		AmountOut:   out,
		FeeTier:     msg.FeeTier,
		ImpactBps:   msg.ImpactBps,
		MinReceived: minRecv,
		Route:       msg.Route,
		Hops:        msg.Hops,
		Ts:          ts,
	}
	s.mu.Lock()
	s.quotes[msg.TokenIn+"->"+msg.TokenOut] = q
	s.mu.Unlock()
}

// GetQuote serves from the stream cache, rescaling the cached size linearly
// to the requested one. Stale entries are rejected.
func (s *Stream) GetQuote(_ context.Context, tokenIn, tokenOut types.Token, amountIn *big.Int) (types.Quote, error) {
	s.mu.RLock()
	q, ok := s.quotes[tokenIn.Symbol+"->"+tokenOut.Symbol]
	s.mu.RUnlock()
	if !ok {
		return types.Quote{}, fmt.Errorf("%s: no cached quote for %s->%s", s.id, tokenIn.Symbol, tokenOut.Symbol)
	}
	if time.Since(q.Ts) > quoteStaleAfter {
		return types.Quote{}, fmt.Errorf("%s: quote for %s->%s is stale", s.id, tokenIn.Symbol, tokenOut.Symbol)
	}
	out := new(big.Int).Mul(q.AmountOut, amountIn)
	out.Div(out, q.AmountIn)
	minRecv := new(big.Int).Mul(q.MinReceived, amountIn)
	minRecv.Div(minRecv, q.AmountIn)

	q.TokenIn = tokenIn
	q.TokenOut = tokenOut
	q.AmountIn = new(big.Int).Set(amountIn)
	q.AmountOut = out
	q.MinReceived = minRecv
	return q, nil
}

// ExecuteTrade sends a trade frame and waits for the matching result.
func (s *Stream) ExecuteTrade(ctx context.Context, tokenIn, tokenOut types.Token, amountIn *big.Int) (types.TradeResult, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return types.TradeResult{}, fmt.Errorf("%s: stream not connected", s.id)
	}

	s.reqMu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan streamQuote, 1)
	s.pending[id] = ch
	s.reqMu.Unlock()

	req := tradeRequest{
		Type:     "trade",
		ID:       id,
		Venue:    string(s.id),
		TokenIn:  tokenIn.Symbol,
		TokenOut: tokenOut.Symbol,
		AmountIn: amountIn.String(),
	}
	if err := s.writeJSON(conn, req); err != nil {
		s.reqMu.Lock()
		delete(s.pending, id)
		s.reqMu.Unlock()
		return types.TradeResult{}, fmt.Errorf("send trade: %w", err)
	}

	select {
	case <-ctx.Done():
		s.reqMu.Lock()
		delete(s.pending, id)
		s.reqMu.Unlock()
		return types.TradeResult{}, ctx.Err()
	case res := <-ch:
		out, _ := new(big.Int).SetString(res.AmountOut, 10)
		gas, _ := new(big.Int).SetString(res.GasUsed, 10)
		if gas == nil {
			gas = big.NewInt(0)
		}
		tr := types.TradeResult{
			Successful:   res.Successful,
			OutputAmount: out,
			GasUsed:      gas,
			Err:          res.Error,
		}
		if !res.Successful && res.Error == "" {
			tr.Err = "trade rejected"
		}
		return tr, nil
	case <-time.After(30 * time.Second):
		s.reqMu.Lock()
		delete(s.pending, id)
		s.reqMu.Unlock()
		return types.TradeResult{}, fmt.Errorf("%s: trade %d timed out", s.id, id)
	}
}
