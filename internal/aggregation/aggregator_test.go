package aggregation

import (
	"iter"
	"testing"

	"github.com/shopspring/decimal"

	"streamstate/internal/types"
)

func seq(pairs ...float64) iter.Seq2[decimal.Decimal, decimal.Decimal] {
	return func(yield func(decimal.Decimal, decimal.Decimal) bool) {
		for i := 0; i+1 < len(pairs); i += 2 {
			if !yield(decimal.NewFromFloat(pairs[i]), decimal.NewFromFloat(pairs[i+1])) {
				return
			}
		}
	}
}

func TestNew(t *testing.T) {
	tick := types.Tick1
	agg := New(tick)

	if agg == nil {
		t.Fatal("New() returned nil")
	}

	if agg.GetTickLevel() != tick {
		t.Errorf("Expected tick level %g, got %g", float64(tick), float64(agg.GetTickLevel()))
	}
}

func TestSetGetTickLevel(t *testing.T) {
	agg := New(types.Tick1)

	newTick := types.Tick10
	agg.SetTickLevel(newTick)

	if agg.GetTickLevel() != newTick {
		t.Errorf("Expected tick level %g, got %g", float64(newTick), float64(agg.GetTickLevel()))
	}
}

func TestAggregateBids(t *testing.T) {
	tests := []struct {
		name      string
		tick      types.TickLevel
		levels    iter.Seq2[decimal.Decimal, decimal.Decimal]
		limit     int
		wantPrice []float64
		wantSize  []float64
	}{
		{
			name:      "No aggregation needed - tick 0.1",
			tick:      types.Tick01,
			levels:    seq(50000.2, 1.5, 50000.1, 1.0),
			wantPrice: []float64{50000.2, 50000.1},
			wantSize:  []float64{1.5, 1.0},
		},
		{
			name:      "Aggregation needed - tick 1.0",
			tick:      types.Tick1,
			levels:    seq(50000.9, 1.5, 50000.1, 1.0, 49999.5, 2),
			wantPrice: []float64{50000, 49999},
			wantSize:  []float64{2.5, 2},
		},
		{
			name:      "Aggregation needed - tick 10.0",
			tick:      types.Tick10,
			levels:    seq(50009, 2.0, 50005, 1.5, 50001, 1.0),
			wantPrice: []float64{50000},
			wantSize:  []float64{4.5},
		},
		{
			name:      "Limit keeps merging the last bucket",
			tick:      types.Tick10,
			levels:    seq(50009, 1, 50001, 1, 49995, 1, 49985, 1),
			limit:     2,
			wantPrice: []float64{50000, 49990},
			wantSize:  []float64{2, 1},
		},
		{
			name:   "Empty levels",
			tick:   types.Tick1,
			levels: seq(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := New(tt.tick)
			result := agg.AggregateBids(tt.levels, tt.limit)

			if len(result) != len(tt.wantPrice) {
				t.Fatalf("Expected %d aggregated levels, got %d", len(tt.wantPrice), len(result))
			}
			for i, level := range result {
				if !level.Price.Equal(decimal.NewFromFloat(tt.wantPrice[i])) {
					t.Errorf("level %d: expected price %g, got %s", i, tt.wantPrice[i], level.Price)
				}
				if !level.Size.Equal(decimal.NewFromFloat(tt.wantSize[i])) {
					t.Errorf("level %d: expected size %g, got %s", i, tt.wantSize[i], level.Size)
				}
				if level.Side != types.Bid {
					t.Errorf("level %d: expected bid side, got %s", i, level.Side)
				}
			}
		})
	}
}

func TestAggregateAsks(t *testing.T) {
	tests := []struct {
		name      string
		tick      types.TickLevel
		levels    iter.Seq2[decimal.Decimal, decimal.Decimal]
		wantPrice []float64
	}{
		{
			name:      "No aggregation needed - tick 0.1",
			tick:      types.Tick01,
			levels:    seq(50001.1, 1.0, 50001.2, 1.5),
			wantPrice: []float64{50001.1, 50001.2},
		},
		{
			name:      "Aggregation needed - tick 1.0",
			tick:      types.Tick1,
			levels:    seq(50001.1, 1.0, 50001.9, 1.5),
			wantPrice: []float64{50002},
		},
		{
			name:      "Aggregation needed - tick 10.0",
			tick:      types.Tick10,
			levels:    seq(50001, 1.0, 50005, 1.5, 50009, 2.0, 50011, 1),
			wantPrice: []float64{50010, 50020},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := New(tt.tick)
			result := agg.AggregateAsks(tt.levels, 0)

			if len(result) != len(tt.wantPrice) {
				t.Fatalf("Expected %d aggregated levels, got %d", len(tt.wantPrice), len(result))
			}
			for i, level := range result {
				if !level.Price.Equal(decimal.NewFromFloat(tt.wantPrice[i])) {
					t.Errorf("level %d: expected price %g, got %s", i, tt.wantPrice[i], level.Price)
				}
			}
		})
	}
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name    string
		tick    types.TickLevel
		price   float64
		wantBid float64
		wantAsk float64
	}{
		{"tick 1.0", types.Tick1, 50000.9, 50000, 50001},
		{"tick 10.0", types.Tick10, 50005, 50000, 50010},
		{"tick 0.01", types.Tick001, 1.2345, 1.23, 1.24},
		{"Already aligned", types.Tick1, 50000, 50000, 50000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick := decimal.NewFromFloat(float64(tt.tick))
			price := decimal.NewFromFloat(tt.price)

			if got := roundToTickBid(price, tick); !got.Equal(decimal.NewFromFloat(tt.wantBid)) {
				t.Errorf("bid: expected %g, got %s", tt.wantBid, got)
			}
			if got := roundToTickAsk(price, tick); !got.Equal(decimal.NewFromFloat(tt.wantAsk)) {
				t.Errorf("ask: expected %g, got %s", tt.wantAsk, got)
			}
		})
	}
}

// Benchmarks

func BenchmarkAggregateBids(b *testing.B) {
	agg := New(types.Tick1)

	pairs := make([]float64, 0, 2000)
	for i := 0; i < 1000; i++ {
		pairs = append(pairs, 50000-float64(i)/2, 1.0)
	}
	levels := seq(pairs...)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		agg.AggregateBids(levels, 0)
	}
}

func BenchmarkAggregateAsks(b *testing.B) {
	agg := New(types.Tick1)

	pairs := make([]float64, 0, 2000)
	for i := 0; i < 1000; i++ {
		pairs = append(pairs, 50001+float64(i)/2, 1.0)
	}
	levels := seq(pairs...)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		agg.AggregateAsks(levels, 0)
	}
}
