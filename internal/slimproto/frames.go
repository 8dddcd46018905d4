// Package slimproto implements the server side of the Slimproto protocol
// spoken by Squeezebox hardware and squeezelite on TCP port 3483: the frame
// codec, the accept loop, the per-player client and its state machine.
package slimproto

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/resonance-music/resonance/internal/models"
)

// Device-bound and server-bound operation codes.
const (
	opHELO = "HELO"
	opSTAT = "STAT"
	opRESP = "RESP"
	opMETA = "META"
	opBYE  = "BYE!"
	opANIC = "ANIC"

	opStrm = "strm"
	opAudg = "audg"
	opAude = "aude"
	opVers = "vers"
	opVfdc = "vfdc"
	opGrfe = "grfe"
	opVisu = "visu"
)

// maxFrameLen bounds inbound payloads; anything larger is a protocol error.
const maxFrameLen = 64 * 1024

// ReadFrame reads one device-to-server frame: a 4-byte ASCII op followed by
// a big-endian length and the payload. The length field is 2 bytes for every
// op except HELO, which uses 4 (LMS quirk kept for wire compatibility).
func ReadFrame(r io.Reader) (op string, payload []byte, err error) {
	var opBuf [4]byte
	if _, err := io.ReadFull(r, opBuf[:]); err != nil {
		return "", nil, err
	}
	op = string(opBuf[:])

	var length uint32
	if op == opHELO {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return "", nil, fmt.Errorf("slimproto: read HELO length: %w", err)
		}
		length = binary.BigEndian.Uint32(lenBuf[:])
	} else {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return "", nil, fmt.Errorf("slimproto: read length: %w", err)
		}
		length = uint32(binary.BigEndian.Uint16(lenBuf[:]))
	}
	if length > maxFrameLen {
		return "", nil, fmt.Errorf("slimproto: frame %s too large (%d bytes)", op, length)
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", nil, fmt.Errorf("slimproto: read %s payload: %w", op, err)
	}
	return op, payload, nil
}

// WriteFrame writes one server-to-device frame: a big-endian u16 length
// covering op and payload, then the 4-byte op, then the payload.
func WriteFrame(w io.Writer, op string, payload []byte) error {
	if len(op) != 4 {
		return fmt.Errorf("slimproto: bad op %q", op)
	}
	buf := make([]byte, 2+4+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(4+len(payload)))
	copy(buf[2:6], op)
	copy(buf[6:], payload)
	_, err := w.Write(buf)
	return err
}

// Helo is the parsed HELO frame.
type Helo struct {
	DeviceID     byte
	Revision     int
	MAC          string
	UUID         string
	Capabilities []string
}

// ParseHelo decodes a HELO payload: device id, revision, 6-byte MAC,
// optional 16-byte UUID, then fields this server does not need, then an
// optional comma-separated capability string.
func ParseHelo(payload []byte) (Helo, error) {
	if len(payload) < 8 {
		return Helo{}, fmt.Errorf("slimproto: HELO too short (%d bytes)", len(payload))
	}
	h := Helo{
		DeviceID: payload[0],
		Revision: int(payload[1]),
		MAC: fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
			payload[2], payload[3], payload[4], payload[5], payload[6], payload[7]),
	}
	rest := payload[8:]
	// Firmware at revision >= 2 appends a 16-byte UUID before the WLAN
	// channel list.
	if len(rest) >= 16 {
		h.UUID = fmt.Sprintf("%x", rest[:16])
		rest = rest[16:]
	}
	// wlan channel list (2) + bytes received (8) + language (2)
	if len(rest) > 12 {
		caps := strings.Trim(string(rest[12:]), "\x00")
		if caps != "" {
			h.Capabilities = strings.Split(caps, ",")
		}
	}
	return h, nil
}

// STAT event codes.
const (
	EventConnect    = "STMc"
	EventHeaders    = "STMh"
	EventEstablish  = "STMe"
	EventStarted    = "STMs"
	EventHeartbeat  = "STMt"
	EventPaused     = "STMp"
	EventResumed    = "STMr"
	EventUnderrun   = "STMu"
	EventDecodeDone = "STMd"
	EventFlushed    = "STMf"
	EventOutput     = "STMo"
)

// Stat is the parsed STAT frame telemetry this server uses.
type Stat struct {
	Event          string
	BufferSize     uint32
	BufferFullness uint32
	BytesReceived  uint64
	Jiffies        uint32
	OutputSize     uint32
	OutputFullness uint32
	ElapsedSeconds uint32
	ElapsedMS      uint32
}

// ParseStat decodes a STAT payload. Fields past the event code are optional
// on very old firmware, so short payloads only populate what is present.
func ParseStat(payload []byte) (Stat, error) {
	if len(payload) < 4 {
		return Stat{}, fmt.Errorf("slimproto: STAT too short (%d bytes)", len(payload))
	}
	s := Stat{Event: string(payload[:4])}
	get32 := func(off int) uint32 {
		if len(payload) >= off+4 {
			return binary.BigEndian.Uint32(payload[off : off+4])
		}
		return 0
	}
	// Layout: event(4) crlf(1) mas_init(1) mas_mode(1) buffer_size(4)
	// fullness(4) bytes_received(8) sig_strength(2) jiffies(4)
	// output_size(4) output_fullness(4) elapsed_sec(4) voltage(2)
	// elapsed_ms(4) server_timestamp(4) error_code(2)
	s.BufferSize = get32(7)
	s.BufferFullness = get32(11)
	if len(payload) >= 23 {
		s.BytesReceived = binary.BigEndian.Uint64(payload[15:23])
	}
	s.Jiffies = get32(25)
	s.OutputSize = get32(29)
	s.OutputFullness = get32(33)
	s.ElapsedSeconds = get32(37)
	s.ElapsedMS = get32(43)
	return s, nil
}

// strm subcommands.
const (
	strmStart   = 's'
	strmStop    = 'q'
	strmPause   = 'p'
	strmUnpause = 'u'
	strmFlush   = 'f'
	strmStatus  = 't'
)

// formatCode maps a wire format name to the strm format byte.
func formatCode(format string) byte {
	switch strings.ToLower(format) {
	case "mp3":
		return 'm'
	case "flc", "flac":
		return 'f'
	case "ogg":
		return 'o'
	case "aac", "m4a", "mp4":
		return 'a'
	case "wma":
		return 'w'
	case "wav", "aif", "aiff", "pcm":
		return 'p'
	default:
		return 'm'
	}
}

// strmPayload builds a strm frame body. For the start command, httpRequest
// carries the HTTP request line the device replays against the server; the
// ip field stays zero so the device connects back to the control address.
func strmPayload(cmd byte, format string, autostart bool, replayGain uint32, serverPort uint16, httpRequest string) []byte {
	buf := make([]byte, 24, 24+len(httpRequest))
	buf[0] = cmd
	if autostart {
		buf[1] = '1'
	} else {
		buf[1] = '0'
	}
	buf[2] = formatCode(format)
	buf[3] = '?' // pcm sample size: self-describing formats
	buf[4] = '?' // pcm sample rate
	buf[5] = '?' // pcm channels
	buf[6] = '?' // pcm endianness
	buf[7] = 255 // threshold (KB of input buffer before autostart)
	buf[8] = 0   // spdif enable: auto
	buf[9] = 10  // transition period
	buf[10] = 0  // transition type: none
	buf[11] = 0  // flags
	buf[12] = 0  // output threshold
	buf[13] = 0  // reserved
	binary.BigEndian.PutUint32(buf[14:18], replayGain)
	binary.BigEndian.PutUint16(buf[18:20], serverPort)
	// bytes 20..24: server IP, zero = control server
	return append(buf, httpRequest...)
}

// audgPayload builds an audg (gain) frame body for a 0..100 volume.
// Gain is 16.16 fixed point on both channels; dvc enables the digital
// volume control, preamp stays at 255 like LMS sends.
func audgPayload(volume int, muted bool) []byte {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	gain := uint32(0)
	if !muted {
		gain = uint32(float64(volume) / 100 * 65536)
	}
	buf := make([]byte, 22)
	binary.BigEndian.PutUint32(buf[0:4], gain)  // old-style left
	binary.BigEndian.PutUint32(buf[4:8], gain)  // old-style right
	buf[8] = 1                                  // dvc on
	buf[9] = 255                                // preamp
	binary.BigEndian.PutUint32(buf[10:14], gain) // new-style left
	binary.BigEndian.PutUint32(buf[14:18], gain) // new-style right
	// bytes 18..22: sequence number, unused
	return buf
}

// audePayload builds an aude (audio enable) frame body.
func audePayload(spdif, dac bool) []byte {
	buf := make([]byte, 2)
	if spdif {
		buf[0] = 1
	}
	if dac {
		buf[1] = 1
	}
	return buf
}

// streamRequest is the HTTP request line a device replays to fetch audio.
func streamRequest(mac string) string {
	return fmt.Sprintf("GET /stream.mp3?player=%s HTTP/1.0\r\n\r\n", mac)
}

// deviceName returns a human-readable default player name.
func deviceName(t models.DeviceType, mac string) string {
	if len(mac) >= 5 {
		return fmt.Sprintf("%s %s", t, mac[len(mac)-5:])
	}
	return string(t)
}
