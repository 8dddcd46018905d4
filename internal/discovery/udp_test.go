package discovery

import (
	"bytes"
	"net"
	"testing"
)

func testResponder() *Responder {
	return NewResponder(":3483", "livingroom", "7.999.999", "8f4b4c2e-0000-4000-8000-0000deadbeef", 9000)
}

func probe(tags ...string) []byte {
	pkt := []byte{'e'}
	for _, tag := range tags {
		pkt = append(pkt, tag...)
		pkt = append(pkt, 0)
	}
	return pkt
}

func parseTLV(t *testing.T, reply []byte) map[string]string {
	t.Helper()
	if len(reply) == 0 || reply[0] != 'E' {
		t.Fatalf("reply does not start with E: %q", reply)
	}
	out := make(map[string]string)
	body := reply[1:]
	for len(body) > 0 {
		if len(body) < 5 {
			t.Fatalf("truncated reply TLV: %q", body)
		}
		tag := string(body[:4])
		vlen := int(body[4])
		if len(body) < 5+vlen {
			t.Fatalf("bad reply length for %s", tag)
		}
		out[tag] = string(body[5 : 5+vlen])
		body = body[5+vlen:]
	}
	return out
}

func peerAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 41234}
}

func TestLegacyProbe(t *testing.T) {
	r := testResponder()
	reply := r.handlePacket([]byte{'d'}, peerAddr())
	if len(reply) != 18 || reply[0] != 'D' {
		t.Fatalf("reply %q", reply)
	}
	if got := string(bytes.TrimRight(reply[1:], "\x00")); got != "livingroom" {
		t.Errorf("hostname %q", got)
	}
}

func TestLegacyProbeTruncatesLongHostname(t *testing.T) {
	r := NewResponder(":3483", "a-very-long-hostname-indeed", "7.999.999", "u", 9000)
	reply := r.handlePacket([]byte{'d'}, peerAddr())
	if len(reply) != 18 {
		t.Fatalf("reply length %d", len(reply))
	}
	name := bytes.TrimRight(reply[1:], "\x00")
	if len(name) != 16 {
		t.Errorf("hostname %q not truncated to 16", name)
	}
}

func TestTLVProbe(t *testing.T) {
	r := testResponder()
	reply := r.handlePacket(probe("NAME", "JSON", "VERS", "UUID"), peerAddr())
	got := parseTLV(t, reply)

	if got["NAME"] != "livingroom" {
		t.Errorf("NAME %q", got["NAME"])
	}
	if got["JSON"] != "9000" {
		t.Errorf("JSON %q", got["JSON"])
	}
	if got["VERS"] != "7.999.999" {
		t.Errorf("VERS %q", got["VERS"])
	}
	if got["VERS"] >= "8" {
		t.Errorf("VERS %q must compare below 8.0.0", got["VERS"])
	}
	if got["UUID"] == "" {
		t.Error("UUID missing")
	}
}

func TestTLVProbeIPAD(t *testing.T) {
	r := testResponder()
	reply := r.handlePacket(probe("IPAD"), peerAddr())
	got := parseTLV(t, reply)
	ip := net.ParseIP(got["IPAD"])
	if ip == nil || ip.IsUnspecified() {
		t.Fatalf("IPAD %q", got["IPAD"])
	}
	// A loopback peer legitimately resolves to loopback; a real interface
	// peer must not (verified by resolving toward that interface).
	if !ip.IsLoopback() {
		t.Errorf("loopback peer resolved to %v", ip)
	}
}

func TestTLVProbeJVIDGetsNoReplyTag(t *testing.T) {
	r := testResponder()
	pkt := append([]byte{'e'}, "JVID"...)
	pkt = append(pkt, 6, 1, 2, 3, 4, 5, 6)
	if reply := r.handlePacket(pkt, peerAddr()); reply != nil {
		t.Fatalf("JVID-only probe produced reply %q", reply)
	}
}

func TestTLVProbeBadLengthDropped(t *testing.T) {
	r := testResponder()
	pkt := append([]byte{'e'}, "NAME"...)
	pkt = append(pkt, 200) // claims 200 value bytes that are not there
	if reply := r.handlePacket(pkt, peerAddr()); reply != nil {
		t.Fatalf("malformed TLV produced reply %q", reply)
	}
}

func TestSlimp3Hello(t *testing.T) {
	r := testResponder()
	reply := r.handlePacket([]byte{'h', 1, 2}, peerAddr())
	if len(reply) != 18 || reply[0] != 'h' {
		t.Fatalf("reply %q", reply)
	}
	for _, b := range reply[1:] {
		if b != 0 {
			t.Fatalf("hello reply not NUL-padded: %q", reply)
		}
	}
	// The zero sentinel marks our own hello; never echo it.
	if reply := r.handlePacket([]byte{'h', 0, 0}, peerAddr()); reply != nil {
		t.Fatalf("sentinel hello echoed: %q", reply)
	}
}

func TestReplyHookCountsByKind(t *testing.T) {
	r := testResponder()
	counts := make(map[string]int)
	r.SetReplyHook(func(kind string) { counts[kind]++ })

	r.handlePacket([]byte{'d'}, peerAddr())
	r.handlePacket(probe("NAME"), peerAddr())
	r.handlePacket([]byte{'h', 1, 2}, peerAddr())
	r.handlePacket([]byte{'x'}, peerAddr())           // ignored
	r.handlePacket(append([]byte{'e'}, 'N'), peerAddr()) // malformed, no reply

	want := map[string]int{"legacy": 1, "tlv": 1, "slimp3": 1}
	for kind, n := range want {
		if counts[kind] != n {
			t.Errorf("counts[%s] = %d, want %d", kind, counts[kind], n)
		}
	}
	if len(counts) != len(want) {
		t.Errorf("unexpected kinds counted: %v", counts)
	}
}

func TestUnknownProbeIgnored(t *testing.T) {
	r := testResponder()
	if reply := r.handlePacket([]byte{'x', 'y', 'z'}, peerAddr()); reply != nil {
		t.Fatalf("unknown probe produced reply %q", reply)
	}
}
