package book

import (
	"sync"
	"testing"
	"time"

	"latency-arb-engine/pkg/arbtypes"
)

func TestUpdateAndLoad(t *testing.T) {
	t.Parallel()
	b := NewAtomicOrderbook()

	b.UpdateA(55, 100, 1000)
	b.UpdateB(45, 150, 1000)

	snap := b.Load()
	if snap.A.PriceCents != 55 || snap.A.Size != 100 {
		t.Errorf("A = %+v, want price=55 size=100", snap.A)
	}
	if snap.B.PriceCents != 45 || snap.B.Size != 150 {
		t.Errorf("B = %+v, want price=45 size=150", snap.B)
	}
}

func TestCheckSpreadBinary(t *testing.T) {
	t.Parallel()
	b := NewAtomicOrderbook()
	b.UpdateA(52, 10, 1)
	b.UpdateB(52, 10, 1) // yes+no = 104, |104-100| = 4

	if _, ok := b.CheckSpread(arbtypes.MarketBinary, 5); ok {
		t.Error("expected no disparity at threshold 5")
	}
	d, ok := b.CheckSpread(arbtypes.MarketBinary, 3)
	if !ok || d.Cents != 4 {
		t.Errorf("got %+v, ok=%v; want Cents=4, ok=true", d, ok)
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	b := NewAtomicOrderbook()
	if !b.IsStale(time.Now().UnixNano(), time.Second) {
		t.Error("empty book should be stale")
	}

	now := time.Now().UnixNano()
	b.UpdateA(50, 10, now)
	b.UpdateB(50, 10, now)
	if b.IsStale(now, time.Second) {
		t.Error("freshly updated book should not be stale")
	}
	if !b.IsStale(now+int64(2*time.Second), time.Second) {
		t.Error("book older than maxAge should be stale")
	}
}

// TestConcurrentReadersWritersNoTear interleaves N single-side writers with
// M readers and asserts every observed (price, size) pair is one that was
// actually published together — never a torn combination (spec §8).
func TestConcurrentReadersWritersNoTear(t *testing.T) {
	b := NewAtomicOrderbook()
	const iterations = 20000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			// price and size always match i%100 so a torn read would show
			// a mismatch between the two derived values.
			v := int32(i % 100)
			b.UpdateA(v, uint64(v)*1000, int64(i))
		}
	}()

	stop := make(chan struct{})
	var tornCount int
	var readerWg sync.WaitGroup
	readerWg.Add(1)
	go func() {
		defer readerWg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				snap := b.Load()
				if snap.A.Size != 0 && snap.A.Size != uint64(snap.A.PriceCents)*1000 {
					tornCount++
				}
			}
		}
	}()

	wg.Wait()
	close(stop)
	readerWg.Wait()

	if tornCount != 0 {
		t.Errorf("observed %d torn reads", tornCount)
	}
}
