// Package netheader parses the L2/L3/L4 layer offsets the classifier
// anchors filters to, and stamps per-packet metadata (spec §3 "Packet
// metadata", §4.2 "Tap Adapter & Sampler").
//
// Grounded on _examples/sakateka-yanet2/common/go/xpacket (gopacket usage
// conventions in the pack) and _examples/original_source/src/include/
// metadata.h (the layer/offset array this type reproduces) plus
// src/netmate/NetTapPcap.cc's L2/L3/L4 walk (Ethernet/VLAN, IPv4/IPv6 with
// extension-header skipping, ICMP/TCP/UDP).
package netheader

import (
	"encoding/binary"
	"fmt"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// ReferPoint anchors a filter's byte offset within a packet, mirroring the
// source's refer_t.
type ReferPoint int

const (
	ReferMAC ReferPoint = iota
	ReferIP
	ReferTrans
	ReferData
	referCount
)

func (r ReferPoint) String() string {
	switch r {
	case ReferMAC:
		return "MAC"
	case ReferIP:
		return "IP"
	case ReferTrans:
		return "TRANS"
	case ReferData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// Unreached is the sentinel offset for a layer the parser never reached.
const Unreached = -1

// MaxMatch bounds the number of rule ids recorded against one packet
// (original source's MAX_RULES_MATCH, kept generous for the RFC engine's
// wider MAX_RULES).
const MaxMatch = 256

// Meta is the per-packet metadata produced by the tap adapter and consumed
// by the classifier and processor.
type Meta struct {
	TimestampUS int64 // capture timestamp, microsecond resolution
	WireLen     int
	CapLen      int

	// Offs[refer] is the byte offset of that reference point within Data,
	// or Unreached if the layer was never parsed.
	Offs [referCount]int
	// Proto carries a layer-specific protocol tag: IP version at ReferIP,
	// IP protocol number at ReferTrans.
	Proto [referCount]int

	Reverse bool

	MatchCount int
	Match      [MaxMatch]uint32

	Data []byte
}

// AddMatch appends a rule id to the match set if there is room, per spec
// §3 "bounded by the packet's match array (M ids)".
func (m *Meta) AddMatch(ruleID uint32) bool {
	if m.MatchCount >= len(m.Match) {
		return false
	}
	m.Match[m.MatchCount] = ruleID
	m.MatchCount++
	return true
}

// Window returns the len bytes at refer+offs, or false if that reference
// point was never reached or the window runs past the captured data —
// mirroring the Simple matcher's "if any reference offset is -1, the rule
// misses" rule (spec §4.3.a).
func (m *Meta) Window(refer ReferPoint, offs, length int) ([]byte, bool) {
	base := m.Offs[refer]
	if base < 0 {
		return nil, false
	}
	start := base + offs
	end := start + length
	if start < 0 || end > len(m.Data) {
		return nil, false
	}
	return m.Data[start:end], true
}

// Parse walks Ethernet/VLAN, IPv4/IPv6 (skipping IPv6 extension headers),
// and ICMP/ICMP6/TCP/UDP, stamping layer offsets into Meta. Unreached
// layers keep the Unreached sentinel, per spec §4.2.
func Parse(data []byte, wireLen int, timestampUS int64) (*Meta, error) {
	m := &Meta{
		TimestampUS: timestampUS,
		WireLen:     wireLen,
		CapLen:      len(data),
		Data:        data,
	}
	for i := range m.Offs {
		m.Offs[i] = Unreached
	}

	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		// Still report what we parsed; a malformed tail must not crash the
		// classifier (spec §7 "does not crash").
	}

	m.Offs[ReferMAC] = 0

	cursor := 0
	for _, l := range pkt.Layers() {
		off := cursor
		cursor += len(l.LayerContents())

		switch ly := l.(type) {
		case *layers.IPv4:
			m.Offs[ReferIP] = off
			m.Proto[ReferIP] = 4
			m.Offs[ReferTrans] = cursor
			m.Proto[ReferTrans] = int(ly.Protocol)
		case *layers.IPv6:
			m.Offs[ReferIP] = off
			m.Proto[ReferIP] = 6
			transOffs, nextHeader, ok := skipIPv6Extensions(data, cursor, uint8(ly.NextHeader))
			if ok {
				m.Offs[ReferTrans] = transOffs
				m.Proto[ReferTrans] = int(nextHeader)
			}
		case *layers.TCP:
			if m.Offs[ReferTrans] < 0 {
				m.Offs[ReferTrans] = off
				m.Proto[ReferTrans] = 6
			}
			m.Offs[ReferData] = cursor
		case *layers.UDP:
			if m.Offs[ReferTrans] < 0 {
				m.Offs[ReferTrans] = off
				m.Proto[ReferTrans] = 17
			}
			m.Offs[ReferData] = cursor
		case *layers.ICMPv4:
			if m.Offs[ReferTrans] < 0 {
				m.Offs[ReferTrans] = off
				m.Proto[ReferTrans] = 1
			}
			m.Offs[ReferData] = cursor
		case *layers.ICMPv6:
			if m.Offs[ReferTrans] < 0 {
				m.Offs[ReferTrans] = off
				m.Proto[ReferTrans] = 58
			}
			m.Offs[ReferData] = cursor
		}
	}

	return m, nil
}

// ipv6ExtensionHeaders are the next-header values that must be skipped to
// reach the real transport header, per spec §4.2.
var ipv6ExtensionHeaders = map[uint8]bool{
	0:   true, // hop-by-hop
	43:  true, // routing
	44:  true, // fragment
	60:  true, // destination options
	51:  true, // authentication header
}

// skipIPv6Extensions walks the IPv6 extension-header chain starting at
// offs with the given next-header value, returning the offset of the real
// transport header and its protocol number.
func skipIPv6Extensions(data []byte, offs int, nextHeader uint8) (int, uint8, bool) {
	for ipv6ExtensionHeaders[nextHeader] {
		if offs+2 > len(data) {
			return 0, 0, false
		}
		next := data[offs]
		var headerLen int
		if nextHeader == 44 {
			// Fragment header has a fixed 8-byte length.
			headerLen = 8
		} else {
			headerLen = (int(data[offs+1]) + 1) * 8
		}
		if nextHeader == 51 {
			// AH length field is in 4-byte units of (header-2), per RFC 4302.
			headerLen = (int(data[offs+1]) + 2) * 4
		}
		if offs+headerLen > len(data) {
			return 0, 0, false
		}
		offs += headerLen
		nextHeader = next
	}
	return offs, nextHeader, true
}

// ReadWindow reads a big-endian (network byte order) unsigned value of
// size 1, 2, 4 or 8 bytes out of buf.
func ReadWindow(buf []byte) (uint64, error) {
	switch len(buf) {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.BigEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.BigEndian.Uint32(buf)), nil
	case 8:
		return binary.BigEndian.Uint64(buf), nil
	default:
		return 0, fmt.Errorf("unsupported window width %d", len(buf))
	}
}
