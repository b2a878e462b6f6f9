package simulation

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"LeapsEngine/internal/domain/repository"
	"LeapsEngine/pkg/util"
)

var _ repository.PriceHistory = (*RandomWalk)(nil)

// WalkEpoch anchors every synthetic series. The close on WalkEpoch is the
// symbol's base price jittered by ±10%; later days walk forward from it and
// earlier days walk backward on an independent stream.
var WalkEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// RandomWalk is a deterministic synthetic price history. Each symbol has one
// path per seed, so a calendar day has the same close in every query.
type RandomWalk struct {
	seed       int64
	volatility float64 // daily
	drift      float64 // daily
	basePrices map[string]float64

	mu    sync.Mutex
	paths map[string]*walkPath
}

// walkPath grows lazily. up[i] is the close i days after WalkEpoch; down[i]
// is the close i+1 days before it.
type walkPath struct {
	fwd, back *rand.Rand
	up, down  []float64
}

type WalkOption func(*RandomWalk)

func WithVolatility(daily float64) WalkOption { return func(w *RandomWalk) { w.volatility = daily } }
func WithDrift(daily float64) WalkOption      { return func(w *RandomWalk) { w.drift = daily } }
func WithBasePrice(symbol string, price float64) WalkOption {
	return func(w *RandomWalk) { w.basePrices[strings.ToUpper(symbol)] = price }
}

func NewRandomWalk(seed int64, opts ...WalkOption) *RandomWalk {
	w := &RandomWalk{
		seed:       seed,
		volatility: 0.02,
		drift:      0.0003,
		basePrices: map[string]float64{
			"SPY":  450,
			"QQQ":  380,
			"AAPL": 180,
			"MSFT": 350,
			"NVDA": 450,
			"TSLA": 240,
		},
		paths: make(map[string]*walkPath),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Closes returns days+1 geometric random-walk closes starting on from's UTC day.
func (w *RandomWalk) Closes(ctx context.Context, symbol string, from time.Time, days int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if days < 0 {
		return nil, fmt.Errorf("simulation: negative days %d", days)
	}

	first := int(util.TruncateDay(from).Sub(WalkEpoch) / util.Day)

	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.path(strings.ToUpper(symbol))
	out := make([]float64, days+1)
	for i := range out {
		out[i] = w.at(p, first+i)
	}
	return out, nil
}

func (w *RandomWalk) path(symbol string) *walkPath {
	if p, ok := w.paths[symbol]; ok {
		return p
	}
	fwd := rand.New(rand.NewSource(w.sourceSeed(symbol, "fwd")))
	anchor := w.basePrice(symbol) * (0.9 + 0.2*fwd.Float64())
	p := &walkPath{
		fwd:  fwd,
		back: rand.New(rand.NewSource(w.sourceSeed(symbol, "back"))),
		up:   []float64{anchor},
	}
	w.paths[symbol] = p
	return p
}

// at returns the close day days after WalkEpoch, extending the path as needed.
func (w *RandomWalk) at(p *walkPath, day int) float64 {
	if day >= 0 {
		for len(p.up) <= day {
			p.up = append(p.up, p.up[len(p.up)-1]*math.Exp(w.step(p.fwd)))
		}
		return p.up[day]
	}
	idx := -day - 1
	for len(p.down) <= idx {
		prev := p.up[0]
		if n := len(p.down); n > 0 {
			prev = p.down[n-1]
		}
		p.down = append(p.down, prev/math.Exp(w.step(p.back)))
	}
	return p.down[idx]
}

func (w *RandomWalk) step(rng *rand.Rand) float64 {
	return w.drift - 0.5*w.volatility*w.volatility + w.volatility*rng.NormFloat64()
}

func (w *RandomWalk) sourceSeed(symbol, stream string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	_, _ = fmt.Fprintf(h, "|%s", stream)
	return w.seed ^ int64(h.Sum64())
}

func (w *RandomWalk) basePrice(symbol string) float64 {
	if p, ok := w.basePrices[strings.ToUpper(symbol)]; ok {
		return p
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToUpper(symbol)))
	return 50 + float64(h.Sum32()%450)
}
