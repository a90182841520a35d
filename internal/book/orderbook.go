// Package book provides lock-free per-(market, venue) order book state.
//
// AtomicOrderbook mirrors the CLOB-style top-of-book for a single binary
// market's YES/NO pair, or a single sports market's BID/ASK pair. Unlike the
// teacher bot's mutex-guarded market.Book, readers here never block and
// never observe a torn (price, size, timestamp) triple: each side is
// published as a single packed 64-bit word plus a timestamp word, written
// with release ordering and read with acquire ordering (spec §4.1).
//
// MarketState wraps two AtomicOrderbooks (the fast/slow venue pair, or two
// correlated markets) and exposes the scalar arbitrage-spread check used by
// the correlator and the strategy layer above it.
package book

import (
	"sync/atomic"
	"time"

	"latency-arb-engine/pkg/arbtypes"
)

// side packs (price:16 | size:32 | seq:16) into a single word so a reader
// can detect a torn read: an odd seq marks a write in progress, and if the
// seq bits observed before and after reading the timestamp differ, the
// snapshot must be retried.
type side struct {
	word atomic.Uint64 // packed price:size:seq
	ts   atomic.Int64  // nanoseconds, published between the odd and even word
	seq  atomic.Uint32 // monotonic update counter, exposed via UpdateSeqA/UpdateSeqB
}

func packSide(price int32, size uint32, seq uint16) uint64 {
	return uint64(uint16(price))<<48 | uint64(size)<<16 | uint64(seq)
}

func unpackSide(w uint64) (price int32, size uint32, seq uint16) {
	price = int32(uint16(w >> 48))
	size = uint32(w >> 16)
	seq = uint16(w)
	return
}

func (s *side) publish(price int32, size uint32, tsNs int64) {
	seq := uint16(s.seq.Add(1)) << 1
	s.word.Store(packSide(price, size, seq|1)) // odd seq: write in progress
	s.ts.Store(tsNs)
	s.word.Store(packSide(price, size, seq)) // even seq: level and ts both published
}

// load returns a torn-free (price, size, ts) snapshot. It retries if a
// write was in progress (odd seq) or the word changed between the reads
// around the timestamp — meaning a writer raced the read.
func (s *side) load() (price int32, size uint32, tsNs int64) {
	for {
		w1 := s.word.Load()
		ts := s.ts.Load() // acquire
		w2 := s.word.Load()
		if w1 == w2 && w1&1 == 0 {
			price, size, _ = unpackSide(w1)
			return price, size, ts
		}
		// torn — a writer published in between, retry
	}
}

// PriceLevel is a value snapshot of one side of the book.
type PriceLevel struct {
	PriceCents int32  // integer cents: 0-100 for binaries, scaled int for sports
	Size       uint64 // unsigned; 0 means "no quote" combined with price==0
	TimestampNs int64
}

// AtomicOrderbook exposes lock-free reads and single-writer-per-side
// writes for one (market, venue) order book. A zero PriceLevel.PriceCents
// means "no quote" — operations are total, there is no error return.
type AtomicOrderbook struct {
	a side // YES (binary) or BID (sports)
	b side // NO (binary) or ASK (sports)
}

// NewAtomicOrderbook returns an empty order book (both sides unquoted).
func NewAtomicOrderbook() *AtomicOrderbook {
	return &AtomicOrderbook{}
}

// UpdateA publishes a new level for the A side (YES / BID). Writers for a
// single side must be serialized by the caller (the feed adapter owns
// exactly one writer goroutine per (market, venue, side)); no cross-side
// coordination is required.
func (b *AtomicOrderbook) UpdateA(priceCents int32, size uint64, tsNs int64) {
	b.a.publish(priceCents, uint32(size), tsNs)
}

// UpdateB publishes a new level for the B side (NO / ASK).
func (b *AtomicOrderbook) UpdateB(priceCents int32, size uint64, tsNs int64) {
	b.b.publish(priceCents, uint32(size), tsNs)
}

// Snapshot is a consistent, torn-free view of both sides. Each side's
// (price, size, ts) triple is individually torn-free; the two sides need
// not be coincident in time.
type Snapshot struct {
	A        PriceLevel
	B        PriceLevel
	LatestNs int64 // max(A.TimestampNs, B.TimestampNs)
}

// Load returns a consistent snapshot of both sides.
func (b *AtomicOrderbook) Load() Snapshot {
	ap, as, ats := b.a.load()
	bp, bs, bts := b.b.load()
	latest := ats
	if bts > latest {
		latest = bts
	}
	return Snapshot{
		A:        PriceLevel{PriceCents: ap, Size: uint64(as), TimestampNs: ats},
		B:        PriceLevel{PriceCents: bp, Size: uint64(bs), TimestampNs: bts},
		LatestNs: latest,
	}
}

// UpdateSeqA returns the monotonic update counter for side A; a caller can
// derive per-market update rates from it without a separate counter map.
// telemetry.Collector does not read it.
func (b *AtomicOrderbook) UpdateSeqA() uint32 { return b.a.seq.Load() }

// UpdateSeqB returns the monotonic update counter for side B.
func (b *AtomicOrderbook) UpdateSeqB() uint32 { return b.b.seq.Load() }

// Disparity is the signed spread returned by CheckSpread when it exceeds
// the caller's threshold.
type Disparity struct {
	Cents int32
}

// CheckSpread is synchronous and branch-light: it returns the signed
// internal spread for this single book — |yes+no-100| for binary markets
// (the complement-consistency check), |ask-bid| for sports markets — iff it
// exceeds thresholdCents (spec §4.1).
func (b *AtomicOrderbook) CheckSpread(mtype arbtypes.MarketType, thresholdCents int32) (Disparity, bool) {
	snap := b.Load()
	var raw int32
	if mtype == arbtypes.MarketSports {
		raw = snap.B.PriceCents - snap.A.PriceCents
	} else {
		raw = snap.A.PriceCents + snap.B.PriceCents - 100
	}
	d := raw
	if d < 0 {
		d = -d
	}
	if d > thresholdCents {
		return Disparity{Cents: raw}, true
	}
	return Disparity{}, false
}

// IsStale reports whether either side's timestamp is older than maxAge
// relative to nowNs.
func (b *AtomicOrderbook) IsStale(nowNs int64, maxAge time.Duration) bool {
	snap := b.Load()
	if snap.LatestNs == 0 {
		return true
	}
	return time.Duration(nowNs-snap.LatestNs) > maxAge
}
