package classifier

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmate-project/meter-core/internal/netheader"
)

func u8(v byte) []byte  { return []byte{v} }
func u16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func protoFilter(kind MatchKind, values ...byte) Filter {
	vs := make([][]byte, len(values))
	for i, v := range values {
		vs[i] = u8(v)
	}
	return Filter{
		Name: "proto", Refer: netheader.ReferIP, Offset: 9, Len: 1,
		Mask: []byte{0xFF}, Kind: kind, Values: vs,
	}
}

func portFilter(name string, refer netheader.ReferPoint, offs int, kind MatchKind, values ...uint16) Filter {
	vs := make([][]byte, len(values))
	for i, v := range values {
		vs[i] = u16(v)
	}
	return Filter{
		Name: name, Refer: refer, Offset: offs, Len: 2,
		Mask: []byte{0xFF, 0xFF}, Kind: kind, Values: vs,
	}
}

func wildcardFilter(name string, refer netheader.ReferPoint, offs, length int) Filter {
	return Filter{
		Name: name, Refer: refer, Offset: offs, Len: length,
		Mask: make([]byte, length), Kind: MatchWildcard,
	}
}

// tcpPacket builds a Meta as if parsed from an IPv4/TCP packet, with
// ReferIP at 0 (byte 9 = protocol) and ReferTrans at 20 (bytes 0-1 = src
// port, 2-3 = dst port), matching IPv4's fixed 20-byte header used in
// these synthetic fixtures.
func tcpPacket(proto byte, srcPort, dstPort uint16) *netheader.Meta {
	data := make([]byte, 24)
	data[9] = proto
	data[20] = byte(srcPort >> 8)
	data[21] = byte(srcPort)
	data[22] = byte(dstPort >> 8)
	data[23] = byte(dstPort)
	m := &netheader.Meta{Data: data}
	m.Offs[netheader.ReferMAC] = 0
	m.Offs[netheader.ReferIP] = 0
	m.Offs[netheader.ReferTrans] = 20
	m.Offs[netheader.ReferData] = netheader.Unreached
	return m
}

func newRule(id uint32, filters ...Filter) *Rule {
	return &Rule{
		ID:            id,
		Filters:       filters,
		MetricModules: []ModuleConfig{{Name: "count"}},
	}
}

func TestSimpleExactMatch(t *testing.T) {
	c := NewSimple()
	require.NoError(t, c.AddRule(newRule(1, protoFilter(MatchExact, 6))))

	pkt := tcpPacket(6, 1234, 80)
	assert.Equal(t, 1, c.Classify(pkt))
	assert.Equal(t, uint32(1), pkt.Match[0])

	pkt2 := tcpPacket(17, 1234, 80)
	assert.Equal(t, 0, c.Classify(pkt2))
}

func TestSimpleRangeAndSet(t *testing.T) {
	c := NewSimple()
	require.NoError(t, c.AddRule(newRule(1,
		protoFilter(MatchExact, 6),
		portFilter("dstport", netheader.ReferTrans, 2, MatchRange, 1, 1023),
	)))
	require.NoError(t, c.AddRule(newRule(2,
		protoFilter(MatchSet, 6, 17),
		portFilter("dstport", netheader.ReferTrans, 2, MatchExact, 53),
	)))

	httpPkt := tcpPacket(6, 5000, 80)
	assert.Equal(t, 1, c.Classify(httpPkt))

	dnsPkt := tcpPacket(17, 5000, 53)
	assert.Equal(t, 1, c.Classify(dnsPkt))
	assert.Equal(t, uint32(2), dnsPkt.Match[0])

	neither := tcpPacket(1, 5000, 9999)
	assert.Equal(t, 0, c.Classify(neither))
}

func TestSimpleDelRule(t *testing.T) {
	c := NewSimple()
	r := newRule(1, protoFilter(MatchExact, 6))
	require.NoError(t, c.AddRule(r))
	require.NoError(t, c.DelRule(1))
	assert.Error(t, c.DelRule(1))

	pkt := tcpPacket(6, 1, 2)
	assert.Equal(t, 0, c.Classify(pkt))
}

func TestSimpleCapacity(t *testing.T) {
	c := NewSimple()
	err := c.AddRule(newRule(MaxRules, protoFilter(MatchExact, 6)))
	assert.Error(t, err)
	var capErr *ErrCapacity
	assert.ErrorAs(t, err, &capErr)
}

func TestRFCAgreesWithSimpleOnFixedRules(t *testing.T) {
	simple := NewSimple()
	rfc := NewRFC()

	rules := []*Rule{
		newRule(1, protoFilter(MatchExact, 6), portFilter("dstport", netheader.ReferTrans, 2, MatchRange, 1, 1023)),
		newRule(2, protoFilter(MatchSet, 6, 17), portFilter("dstport", netheader.ReferTrans, 2, MatchExact, 53)),
		newRule(3, wildcardFilter("proto", netheader.ReferIP, 9, 1), portFilter("srcport", netheader.ReferTrans, 0, MatchRange, 0, 65535)),
	}
	for _, r := range rules {
		require.NoError(t, simple.AddRule(r))
		require.NoError(t, rfc.AddRule(r))
	}

	cases := []*netheader.Meta{
		tcpPacket(6, 5000, 80),
		tcpPacket(17, 5000, 53),
		tcpPacket(1, 5000, 9999),
		tcpPacket(6, 1, 1023),
		tcpPacket(6, 1, 1024),
	}
	for _, pkt := range cases {
		pktA := *pkt
		pktB := *pkt
		na := simple.Classify(&pktA)
		nb := rfc.Classify(&pktB)
		require.Equal(t, na, nb)
		if diff := cmp.Diff(pktA.Match[:pktA.MatchCount], pktB.Match[:pktB.MatchCount]); diff != "" {
			t.Errorf("match set mismatch (-simple +rfc):\n%s", diff)
		}
		assert.Equal(t, pktA.Reverse, pktB.Reverse)
	}
}

// TestRFCEquivalenceProperty builds random rule sets and packets and
// asserts Simple and RFC produce identical sorted match vectors, the
// primary correctness oracle for the RFC engine.
func TestRFCEquivalenceProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 8; trial++ {
		simple := NewSimple()
		rfc := NewRFC()

		numRules := 5 + rng.Intn(20)
		for i := 0; i < numRules; i++ {
			r := randomRule(rng, uint32(i+1))
			require.NoError(t, simple.AddRule(r))
			require.NoError(t, rfc.AddRule(r))
		}

		for p := 0; p < 200; p++ {
			proto := byte([]int{1, 6, 17}[rng.Intn(3)])
			src := uint16(rng.Intn(65536))
			dst := uint16(rng.Intn(65536))

			pktA := tcpPacket(proto, src, dst)
			pktB := tcpPacket(proto, src, dst)

			na := simple.Classify(pktA)
			nb := rfc.Classify(pktB)

			require.Equalf(t, na, nb, "trial %d packet %d proto=%d src=%d dst=%d", trial, p, proto, src, dst)
			if diff := cmp.Diff(pktA.Match[:pktA.MatchCount], pktB.Match[:pktB.MatchCount]); diff != "" {
				t.Errorf("trial %d packet %d: match set mismatch (-simple +rfc):\n%s", trial, p, diff)
			}
		}
	}
}

func randomRule(rng *rand.Rand, id uint32) *Rule {
	var filters []Filter

	switch rng.Intn(4) {
	case 0:
		filters = append(filters, protoFilter(MatchExact, byte([]int{1, 6, 17}[rng.Intn(3)])))
	case 1:
		filters = append(filters, protoFilter(MatchSet, 6, 17))
	case 2:
		filters = append(filters, wildcardFilter("proto", netheader.ReferIP, 9, 1))
	case 3:
		lo := byte(rng.Intn(200))
		hi := lo + byte(rng.Intn(int(255-lo)+1))
		filters = append(filters, Filter{
			Name: "proto", Refer: netheader.ReferIP, Offset: 9, Len: 1,
			Mask: []byte{0xFF}, Kind: MatchRange, Values: [][]byte{{lo}, {hi}},
		})
	}

	switch rng.Intn(3) {
	case 0:
		v := uint16(rng.Intn(65536))
		filters = append(filters, portFilter("dstport", netheader.ReferTrans, 2, MatchExact, v))
	case 1:
		lo := uint16(rng.Intn(60000))
		hi := lo + uint16(rng.Intn(5000))
		filters = append(filters, portFilter("dstport", netheader.ReferTrans, 2, MatchRange, lo, hi))
	case 2:
		filters = append(filters, wildcardFilter("dstport", netheader.ReferTrans, 2, 2))
	}

	return newRule(id, filters...)
}
