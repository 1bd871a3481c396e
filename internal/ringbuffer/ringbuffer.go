// Package ringbuffer implements the single-producer/single-consumer packet
// queue that decouples the tap adapter from the packet processor (spec
// §4.1 "Ring Buffer").
//
// Grounded on _examples/original_source/src/netmate/PacketQueue.{h,cc}'s
// getBufferSpace/setBufferOccupied/readBuffer/releaseBuffer protocol.
//
// Redesign: PacketQueue packs variable-length records into one shared byte
// arena (sized maxBuffers*avgBufSize) and pads around the wrap boundary so
// a record is never split. This package instead allocates maxBuffers
// fixed guaranteedBuf-sized slots up front and hands them out over
// buffered channels — every slot is already a non-split linear region, so
// the wrap/padding bookkeeping disappears, and the channels give Peek a
// context-cancellable wait for free with the producer/consumer handoff.
package ringbuffer

import (
	"context"
	"sync/atomic"
)

type record[M any] struct {
	length int
	meta   M
}

// Ring is a fixed-capacity SPSC queue of guaranteedBuf-sized byte slots,
// each carrying one metadata value of type M.
type Ring[M any] struct {
	slots [][]byte
	recs  []record[M]

	free  chan int
	ready chan int

	dropped atomic.Uint64
}

// New allocates a Ring with maxBuffers slots of guaranteedBuf bytes each.
func New[M any](maxBuffers, guaranteedBuf int) *Ring[M] {
	r := &Ring[M]{
		slots: make([][]byte, maxBuffers),
		recs:  make([]record[M], maxBuffers),
		free:  make(chan int, maxBuffers),
		ready: make(chan int, maxBuffers),
	}
	for i := range r.slots {
		r.slots[i] = make([]byte, guaranteedBuf)
		r.free <- i
	}
	return r
}

// Lease is a slot borrowed from Peek, not yet returned to the free pool.
type Lease[M any] struct {
	Data []byte
	Meta M

	slot int
	r    *ring
}

// ring is the subset of Ring[M]'s state a Lease needs to release itself,
// kept non-generic so Lease doesn't have to re-spell Ring's type param.
type ring struct {
	free chan<- int
}

// Release returns the slot to the free pool, making it available to a
// future Reserve call (spec §4.1 "release").
func (l *Lease[M]) Release() {
	l.r.free <- l.slot
}

// Reserve returns the guaranteed-size linear buffer for the next free
// slot, or ok=false if every slot is occupied — the caller must drop the
// packet; the drop is counted (spec §4.1 "drop and count on full").
func (r *Ring[M]) Reserve() (buf []byte, slot int, ok bool) {
	select {
	case slot = <-r.free:
		return r.slots[slot], slot, true
	default:
		r.dropped.Add(1)
		return nil, -1, false
	}
}

// Commit marks slot (returned by a prior Reserve) as holding n bytes of
// packet data plus its associated metadata, publishing it to Peek (spec
// §4.1 "commit").
func (r *Ring[M]) Commit(slot, n int, meta M) {
	r.recs[slot] = record[M]{length: n, meta: meta}
	r.ready <- slot
}

// Peek blocks until a committed slot is available or ctx is done,
// returning a Lease the consumer must Release when finished (spec §4.1
// "peek"/"release").
func (r *Ring[M]) Peek(ctx context.Context) (*Lease[M], error) {
	select {
	case slot := <-r.ready:
		rec := r.recs[slot]
		return &Lease[M]{
			Data: r.slots[slot][:rec.length],
			Meta: rec.meta,
			slot: slot,
			r:    &ring{free: r.free},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped returns the number of packets dropped because every slot was
// occupied at Reserve time.
func (r *Ring[M]) Dropped() uint64 {
	return r.dropped.Load()
}

// Cap returns the number of slots the ring was built with.
func (r *Ring[M]) Cap() int {
	return len(r.slots)
}

// Len returns the number of committed slots not yet taken by Peek; a slot
// that is peeked but not yet released is not counted.
func (r *Ring[M]) Len() int {
	return len(r.ready)
}
