// Package capture implements the packet source abstraction and the tap
// adapter that turns raw link-layer frames into netheader.Meta, plus the
// sampling policies applied before a packet reaches the classifier (spec
// §4.2 "Tap Adapter & Sampler").
//
// Grounded on _examples/original_source/src/netmate/{NetTap,NetTapPcap,
// NetTapERF,Sampler,SamplerAll}.{h,cc}: NetTap is the abstract packet
// source (online device or offline trace file) the Meter main loop polls;
// Sampler decides per-packet whether the classifier sees it at all.
package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/netmate-project/meter-core/internal/netheader"
)

// Stats mirrors NetTapPcapStats: packets/bytes seen plus packets dropped
// before they could be handed to the classifier.
type Stats struct {
	Packets uint64
	Bytes   uint64
	Dropped uint64
}

// Source is the packet source contract NetTap generalizes: something that
// yields one packet at a time, reports whether it replays a file (offline)
// or reads a live interface (online), and can be closed.
type Source interface {
	// Next blocks until a packet is available, ctx is done, or the source
	// is exhausted (io.EOF, for an offline source that reached file end).
	Next(ctx context.Context) (*netheader.Meta, error)
	// IsOnline reports whether this source represents a live capture
	// device (true) or an offline trace replay (false), per spec §4.2 —
	// offline sources drive the scheduler's clock from packet timestamps
	// instead of wall time.
	IsOnline() bool
	Stats() Stats
	Close() error
}

// Sampler decides whether a parsed packet is admitted to the classifier,
// generalizing the original's pluggable Sampler hierarchy (SamplerAll plus
// probabilistic/periodic/hash-based variants) behind a single function
// type instead of a class hierarchy.
type Sampler interface {
	Sample(pkt *netheader.Meta) bool
}

// SampleAll admits every packet — the Go analogue of SamplerAll, and the
// default when no sampling policy is configured.
type SampleAll struct{}

// Sample always returns true.
func (SampleAll) Sample(*netheader.Meta) bool { return true }

// SamplePeriodic admits every Nth packet, a deterministic alternative to
// probabilistic sampling useful for reproducible tests and traces.
type SamplePeriodic struct {
	N       uint64
	counter uint64
}

// Sample admits the packet if it is the Nth seen since construction.
func (s *SamplePeriodic) Sample(*netheader.Meta) bool {
	if s.N == 0 {
		return true
	}
	s.counter++
	return s.counter%s.N == 0
}

// OfflineReader replays a pcap/pcapng trace file through pcapgo (pure Go,
// no cgo/libpcap dependency), parsing each frame via netheader.Parse —
// the Go-idiomatic analogue of NetTapPcap's offline mode.
type OfflineReader struct {
	r      *pcapgo.Reader
	closer io.Closer
	stats  Stats
}

// NewOfflineReader wraps rc, reading its pcap global header immediately.
func NewOfflineReader(rc io.ReadCloser) (*OfflineReader, error) {
	r, err := pcapgo.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("capture: open offline trace: %w", err)
	}
	return &OfflineReader{r: r, closer: rc}, nil
}

// PcapFileSource is OfflineReader's public name in the capture-source
// table: a Source backed by a pcap/pcapng file on disk.
type PcapFileSource = OfflineReader

// NewPcapFileSource opens path and returns a PcapFileSource replaying it.
func NewPcapFileSource(path string) (*PcapFileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: open trace file %s: %w", path, err)
	}
	return NewOfflineReader(f)
}

// Next reads the next frame from the trace, returning io.EOF once
// exhausted. ctx cancellation is checked between frames since pcapgo's
// ReadPacketData call itself does not accept a context.
func (o *OfflineReader) Next(ctx context.Context) (*netheader.Meta, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, ci, err := o.r.ReadPacketData()
	if err != nil {
		return nil, err
	}
	m, err := netheader.Parse(data, ci.Length, ci.Timestamp.UnixMicro())
	if err != nil {
		return nil, err
	}
	o.stats.Packets++
	o.stats.Bytes += uint64(ci.Length)
	return m, nil
}

func (o *OfflineReader) IsOnline() bool { return false }
func (o *OfflineReader) Stats() Stats   { return o.stats }
func (o *OfflineReader) Close() error   { return o.closer.Close() }

// PacketDataSource is the minimal live-capture handle an OnlineReader
// drives — satisfied directly by gopacket/pcap.Handle or gopacket/pcapgo's
// live AF_PACKET reader (the cgo libpcap binding is an explicit dependency
// the runtime composition root chooses to wire, not this package).
type PacketDataSource interface {
	ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error)
	Close()
}

// OnlineReader polls a live capture device, reconnecting with exponential
// backoff on transient read errors — the Go-idiomatic analogue of
// NetTapPcap's online mode, which the original simply aborts on.
type OnlineReader struct {
	src     PacketDataSource
	reopen  func() (PacketDataSource, error)
	stats   Stats
	backoff Backoff
}

// Backoff abstracts the reconnect delay policy so tests can use a
// zero-delay stub instead of cenkalti/backoff's real clock.
type Backoff interface {
	NextDelay(attempt int) time.Duration
	Reset()
}

// NewOnlineReader wraps src, using reopen to reacquire a fresh handle if a
// read fails and bo to pace reconnect attempts.
func NewOnlineReader(src PacketDataSource, reopen func() (PacketDataSource, error), bo Backoff) *OnlineReader {
	return &OnlineReader{src: src, reopen: reopen, backoff: bo}
}

// Next reads the next frame, transparently reconnecting through reopen on
// error (pacing attempts via backoff) rather than surfacing the error to
// the caller, since a live capture device dropping briefly is not a
// reason to stop the whole meter process.
func (o *OnlineReader) Next(ctx context.Context) (*netheader.Meta, error) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		data, ci, err := o.src.ReadPacketData()
		if err == nil {
			o.backoff.Reset()
			o.stats.Packets++
			o.stats.Bytes += uint64(ci.Length)
			return netheader.Parse(data, ci.Length, ci.Timestamp.UnixMicro())
		}

		if o.reopen == nil {
			return nil, err
		}
		attempt++
		delay := o.backoff.NextDelay(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		fresh, reopenErr := o.reopen()
		if reopenErr != nil {
			continue
		}
		o.src.Close()
		o.src = fresh
	}
}

func (o *OnlineReader) IsOnline() bool { return true }
func (o *OnlineReader) Stats() Stats   { return o.stats }
func (o *OnlineReader) Close() error   { o.src.Close(); return nil }

// ExponentialBackoff adapts cenkalti/backoff/v5's ExponentialBackOff to the
// Backoff interface.
type ExponentialBackoff struct {
	b *backoff.ExponentialBackOff
}

// NewExponentialBackoff returns a Backoff with the library's default
// curve (500ms initial interval, 1.5x multiplier, randomized).
func NewExponentialBackoff() *ExponentialBackoff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         30 * time.Second,
	}
	b.Reset()
	return &ExponentialBackoff{b: b}
}

// NextDelay ignores attempt; the underlying ExponentialBackOff tracks its
// own advancing state across calls.
func (e *ExponentialBackoff) NextDelay(int) time.Duration { return e.b.NextBackOff() }

// Reset restarts the backoff curve from its initial interval, called after
// a successful read.
func (e *ExponentialBackoff) Reset() { e.b.Reset() }
