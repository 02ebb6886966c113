package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamstate/internal/exchange"
)

type recorder struct {
	mu     sync.Mutex
	seen   []string
	fail   map[string]error
	block  chan struct{}
	inside chan struct{}
}

func newRecorder() *recorder {
	return &recorder{fail: make(map[string]error)}
}

func label(ev exchange.Event) string {
	switch ev := ev.(type) {
	case exchange.L2Update:
		return fmt.Sprintf("l2:%s:%d", ev.ProductID, len(ev.Changes))
	case exchange.Snapshot:
		return "snapshot:" + ev.ProductID
	case exchange.Ticker:
		return "ticker:" + ev.ProductID
	case exchange.OrderEvent:
		return string(ev.Type()) + ":" + ev.Header().OrderID
	}
	return string(ev.Type())
}

func (r *recorder) Apply(ev exchange.Event) error {
	if r.inside != nil {
		r.inside <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l := label(ev)
	r.seen = append(r.seen, l)
	return r.fail[l]
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, "reset")
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func update(product string, n int) exchange.L2Update {
	return exchange.L2Update{ProductID: product, Changes: make([]exchange.Change, n)}
}

func received(id string) exchange.Received {
	return exchange.Received{OrderHeader: exchange.OrderHeader{OrderID: id, ProductID: "BTC-USD"}}
}

func TestRoutingAndFIFO(t *testing.T) {
	d := New(zerolog.Nop(), WithWorkers(4))
	btc, eth, session := newRecorder(), newRecorder(), newRecorder()
	d.RegisterProduct("BTC-USD", btc)
	d.RegisterProduct("ETH-USD", eth)
	d.RegisterSession("session:test", session)

	assert.True(t, d.Enqueue(exchange.Snapshot{ProductID: "BTC-USD"}))
	assert.True(t, d.Enqueue(update("ETH-USD", 1)))
	assert.True(t, d.Enqueue(received("A")))
	assert.True(t, d.Enqueue(update("BTC-USD", 1)))
	assert.True(t, d.Enqueue(exchange.Matched{ProductID: "BTC-USD", MakerOrderID: "A"}))
	assert.True(t, d.Enqueue(update("BTC-USD", 2)))
	assert.True(t, d.Enqueue(exchange.Ticker{ProductID: "ETH-USD"}))
	assert.Equal(t, 3, d.Pending("BTC-USD"))

	require.NoError(t, d.Drain(context.Background()))

	assert.Equal(t, []string{"snapshot:BTC-USD", "l2:BTC-USD:1", "l2:BTC-USD:2"}, btc.events())
	assert.Equal(t, []string{"l2:ETH-USD:1", "ticker:ETH-USD"}, eth.events())
	assert.Equal(t, []string{"received:A", "match:"}, session.events())
	assert.Zero(t, d.Pending("BTC-USD"))
	assert.Equal(t, "session:test", d.SessionKey())
}

func TestEnqueueDrops(t *testing.T) {
	wd := NewWatchdog(time.Second)
	d := New(zerolog.Nop(), WithWatchdog(wd), WithAcceptedTypes(exchange.TypeSnapshot, exchange.TypeL2Update))
	btc := newRecorder()
	d.RegisterProduct("BTC-USD", btc)

	assert.False(t, d.Enqueue(exchange.Heartbeat{ProductID: "BTC-USD"}))
	assert.False(t, d.Enqueue(exchange.SubscriptionAck{}))
	assert.False(t, d.Enqueue(exchange.ErrorMsg{Message: "boom"}))
	assert.False(t, d.Enqueue(exchange.Unrecognized{RawType: "status"}))
	assert.False(t, d.Enqueue(exchange.Ticker{ProductID: "BTC-USD"}), "ticker is not subscribed")
	assert.False(t, d.Enqueue(update("DOGE-USD", 1)), "no lane for product")
	assert.False(t, d.Enqueue(received("A")), "order events dropped while accepted types exclude them")

	require.NoError(t, d.Drain(context.Background()))
	assert.Empty(t, btc.events())
}

func TestOrderEventsWithoutSessionLane(t *testing.T) {
	d := New(zerolog.Nop())
	assert.False(t, d.Enqueue(received("A")))
}

func TestResetIsOrderedAndSkipsSession(t *testing.T) {
	d := New(zerolog.Nop())
	btc, session := newRecorder(), newRecorder()
	d.RegisterProduct("BTC-USD", btc)
	d.RegisterSession("s", session)

	d.Enqueue(update("BTC-USD", 1))
	d.Enqueue(received("A"))
	d.ResetLanes()
	d.Enqueue(exchange.Snapshot{ProductID: "BTC-USD"})

	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, []string{"l2:BTC-USD:1", "reset", "snapshot:BTC-USD"}, btc.events())
	assert.Equal(t, []string{"received:A"}, session.events())
}

func TestHandlerErrorsDoNotStopDrain(t *testing.T) {
	d := New(zerolog.Nop())
	btc := newRecorder()
	btc.fail["l2:BTC-USD:1"] = fmt.Errorf("bad: %w", exchange.ErrProtocolAnomaly)
	btc.fail["l2:BTC-USD:2"] = fmt.Errorf("bad: %w", exchange.ErrUnresolvableReference)
	d.RegisterProduct("BTC-USD", btc)

	d.Enqueue(update("BTC-USD", 1))
	d.Enqueue(update("BTC-USD", 2))
	d.Enqueue(update("BTC-USD", 3))

	require.NoError(t, d.Drain(context.Background()))
	assert.Len(t, btc.events(), 3)
}

func TestBatchSize(t *testing.T) {
	d := New(zerolog.Nop(), WithBatchSize(2))
	btc := newRecorder()
	d.RegisterProduct("BTC-USD", btc)
	for i := 1; i <= 5; i++ {
		d.Enqueue(update("BTC-USD", i))
	}

	require.NoError(t, d.Drain(context.Background()))
	assert.Len(t, btc.events(), 2)
	require.NoError(t, d.Drain(context.Background()))
	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, []string{"l2:BTC-USD:1", "l2:BTC-USD:2", "l2:BTC-USD:3", "l2:BTC-USD:4", "l2:BTC-USD:5"}, btc.events())
}

func TestEventsArrivingDuringDrainWaitForNextPass(t *testing.T) {
	d := New(zerolog.Nop())
	btc := newRecorder()
	btc.block = make(chan struct{})
	btc.inside = make(chan struct{}, 4)
	d.RegisterProduct("BTC-USD", btc)

	d.Enqueue(update("BTC-USD", 1))
	done := make(chan error, 1)
	go func() { done <- d.Drain(context.Background()) }()
	<-btc.inside

	// the lane is in flight: a concurrent drain must not claim it
	d.Enqueue(update("BTC-USD", 2))
	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, 1, d.Pending("BTC-USD"))

	close(btc.block)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"l2:BTC-USD:1"}, btc.events())

	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, []string{"l2:BTC-USD:1", "l2:BTC-USD:2"}, btc.events())
}

func TestDistinctKeysDrainConcurrently(t *testing.T) {
	d := New(zerolog.Nop(), WithWorkers(2))
	gate := make(chan struct{})
	inside := make(chan struct{}, 2)
	btc, eth := newRecorder(), newRecorder()
	for _, r := range []*recorder{btc, eth} {
		r.block = gate
		r.inside = inside
	}
	d.RegisterProduct("BTC-USD", btc)
	d.RegisterProduct("ETH-USD", eth)
	d.Enqueue(update("BTC-USD", 1))
	d.Enqueue(update("ETH-USD", 1))

	done := make(chan error, 1)
	go func() { done <- d.Drain(context.Background()) }()

	// both lanes must be inside Apply at the same time
	for range 2 {
		select {
		case <-inside:
		case <-time.After(2 * time.Second):
			t.Fatal("lanes did not run concurrently")
		}
	}
	close(gate)
	require.NoError(t, <-done)
}

func TestRun(t *testing.T) {
	d := New(zerolog.Nop())
	btc := newRecorder()
	d.RegisterProduct("BTC-USD", btc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Enqueue(exchange.Snapshot{ProductID: "BTC-USD"})
	d.Enqueue(update("BTC-USD", 1))
	require.Eventually(t, func() bool { return len(btc.events()) == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// cancelingHandler cancels the drain from inside its first Apply
type cancelingHandler struct {
	cancel  context.CancelFunc
	applied atomic.Int32
}

func (h *cancelingHandler) Apply(exchange.Event) error {
	if h.applied.Add(1) == 1 {
		h.cancel()
	}
	return nil
}

func (h *cancelingHandler) Reset() {}

func TestCanceledDrainStopsAfterCurrentEvent(t *testing.T) {
	d := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &cancelingHandler{cancel: cancel}
	d.RegisterProduct("BTC-USD", h)
	for i := 1; i <= 1000; i++ {
		d.Enqueue(update("BTC-USD", i))
	}

	require.NoError(t, d.Drain(ctx))
	assert.Equal(t, int32(1), h.applied.Load())
	assert.Zero(t, d.Pending("BTC-USD"))

	// the lane is released and drains again with a live context
	d.Enqueue(update("BTC-USD", 1))
	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, int32(2), h.applied.Load())
}
