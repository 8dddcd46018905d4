package slimproto

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func frame(op string, lenBytes int, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(op)
	if lenBytes == 4 {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(payload)))
		buf.Write(l[:])
	} else {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(payload)))
		buf.Write(l[:])
	}
	buf.Write(payload)
	return buf.Bytes()
}

func TestReadFrame(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	op, got, err := ReadFrame(bytes.NewReader(frame("STAT", 2, payload)))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if op != "STAT" || !bytes.Equal(got, payload) {
		t.Errorf("got op=%q payload=%v", op, got)
	}
}

func TestReadFrameHeloUses4ByteLength(t *testing.T) {
	payload := make([]byte, 10)
	op, got, err := ReadFrame(bytes.NewReader(frame("HELO", 4, payload)))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if op != "HELO" || len(got) != 10 {
		t.Errorf("got op=%q len=%d", op, len(got))
	}
}

func TestReadFrameTruncated(t *testing.T) {
	data := frame("STAT", 2, []byte{1, 2, 3, 4})
	if _, _, err := ReadFrame(bytes.NewReader(data[:len(data)-2])); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestWriteFrameFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, "strm", []byte{'q'}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	out := buf.Bytes()
	if got := binary.BigEndian.Uint16(out[:2]); got != 5 {
		t.Errorf("length field %d, want 5 (op+payload)", got)
	}
	if string(out[2:6]) != "strm" || out[6] != 'q' {
		t.Errorf("frame body %q", out[2:])
	}
}

func TestParseHelo(t *testing.T) {
	payload := []byte{12, 3, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	h, err := ParseHelo(payload)
	if err != nil {
		t.Fatalf("ParseHelo: %v", err)
	}
	if h.DeviceID != 12 || h.Revision != 3 {
		t.Errorf("id=%d rev=%d", h.DeviceID, h.Revision)
	}
	if h.MAC != "aa:bb:cc:dd:ee:01" {
		t.Errorf("mac %q", h.MAC)
	}
	if h.UUID != "" {
		t.Errorf("unexpected uuid %q", h.UUID)
	}
}

func TestParseHeloWithUUID(t *testing.T) {
	payload := append([]byte{8, 2, 0, 1, 2, 3, 4, 5}, bytes.Repeat([]byte{0xab}, 16)...)
	h, err := ParseHelo(payload)
	if err != nil {
		t.Fatalf("ParseHelo: %v", err)
	}
	if h.UUID != strings.Repeat("ab", 16) {
		t.Errorf("uuid %q", h.UUID)
	}
}

func TestParseHeloTooShort(t *testing.T) {
	if _, err := ParseHelo([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseStat(t *testing.T) {
	payload := make([]byte, 47)
	copy(payload, "STMt")
	binary.BigEndian.PutUint32(payload[11:15], 12345) // buffer fullness
	binary.BigEndian.PutUint32(payload[37:41], 42)    // elapsed seconds
	binary.BigEndian.PutUint32(payload[43:47], 42500) // elapsed ms

	s, err := ParseStat(payload)
	if err != nil {
		t.Fatalf("ParseStat: %v", err)
	}
	if s.Event != "STMt" || s.BufferFullness != 12345 || s.ElapsedMS != 42500 {
		t.Errorf("got %+v", s)
	}
}

func TestParseStatShortPayload(t *testing.T) {
	s, err := ParseStat([]byte("STMu"))
	if err != nil {
		t.Fatalf("ParseStat: %v", err)
	}
	if s.Event != "STMu" {
		t.Errorf("event %q", s.Event)
	}
}

func TestStrmPayloadStart(t *testing.T) {
	req := streamRequest("aa:bb:cc:dd:ee:01")
	p := strmPayload(strmStart, "flc", true, 0, 9000, req)
	if p[0] != 's' || p[1] != '1' || p[2] != 'f' {
		t.Errorf("header bytes %q %q %q", p[0], p[1], p[2])
	}
	if got := binary.BigEndian.Uint16(p[18:20]); got != 9000 {
		t.Errorf("server port %d", got)
	}
	if !strings.Contains(string(p[24:]), "GET /stream.mp3?player=aa:bb:cc:dd:ee:01") {
		t.Errorf("http request %q", p[24:])
	}
}

func TestFormatCode(t *testing.T) {
	tests := []struct {
		format string
		want   byte
	}{
		{"mp3", 'm'}, {"flc", 'f'}, {"flac", 'f'}, {"ogg", 'o'},
		{"aac", 'a'}, {"wav", 'p'}, {"unknown", 'm'},
	}
	for _, tt := range tests {
		if got := formatCode(tt.format); got != tt.want {
			t.Errorf("formatCode(%q) = %c, want %c", tt.format, got, tt.want)
		}
	}
}

func TestAudgPayload(t *testing.T) {
	p := audgPayload(100, false)
	if got := binary.BigEndian.Uint32(p[10:14]); got != 65536 {
		t.Errorf("full volume gain %d, want 65536", got)
	}
	p = audgPayload(50, true)
	if got := binary.BigEndian.Uint32(p[10:14]); got != 0 {
		t.Errorf("muted gain %d, want 0", got)
	}
}
