// Package discovery answers the UDP probes Squeezebox devices broadcast to
// find a server, and advertises the HTTP UI over mDNS.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// maxReplyLen caps discovery responses; devices ignore fragmented replies.
const maxReplyLen = 1450

// Responder answers old-style "d" probes and TLV "e" probes on UDP 3483.
type Responder struct {
	addr       string
	serverName string
	version    string
	uuid       string
	webPort    int

	limiter *rate.Limiter
	onReply func(kind string)
}

// NewResponder builds a responder. version must compare below 8.0.0; old
// firmware refuses newer servers.
func NewResponder(addr, serverName, version, uuid string, webPort int) *Responder {
	return &Responder{
		addr:       addr,
		serverName: serverName,
		version:    version,
		uuid:       uuid,
		webPort:    webPort,
		limiter:    rate.NewLimiter(rate.Limit(50), 100),
	}
}

// SetReplyHook installs a callback invoked once per reply sent, with the
// probe kind ("legacy", "tlv" or "slimp3").
func (r *Responder) SetReplyHook(fn func(kind string)) {
	r.onReply = fn
}

func (r *Responder) countReply(kind string) {
	if r.onReply != nil {
		r.onReply(kind)
	}
}

// ListenAndServe binds the UDP socket with broadcast receive enabled and
// answers probes until ctx is cancelled. A bind failure is returned to the
// caller, which logs it and continues without discovery.
func (r *Responder) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				// The port is shared with the Slimproto TCP listener and
				// may be rebound quickly on restart.
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if ctrlErr == nil {
					ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp4", r.addr)
	if err != nil {
		return fmt.Errorf("discovery: bind %s: %w", r.addr, err)
	}
	conn := pc.(*net.UDPConn)
	slog.Info("discovery: listening", "addr", r.addr)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("discovery: read failed", "err", err)
			continue
		}
		if n == 0 || !r.limiter.Allow() {
			continue
		}
		reply := r.handlePacket(buf[:n], peer)
		if reply == nil {
			continue
		}
		if len(reply) > maxReplyLen {
			slog.Warn("discovery: reply too large, dropping", "peer", peer, "len", len(reply))
			continue
		}
		if _, err := conn.WriteToUDP(reply, peer); err != nil {
			slog.Warn("discovery: write failed", "peer", peer, "err", err)
		}
	}
}

// handlePacket builds the reply for one probe, or nil to ignore it.
func (r *Responder) handlePacket(pkt []byte, peer *net.UDPAddr) []byte {
	switch pkt[0] {
	case 'd':
		slog.Debug("discovery: legacy probe", "peer", peer)
		r.countReply("legacy")
		return legacyReply(r.serverName)
	case 'e':
		reply := r.tlvReply(pkt[1:], peer)
		if reply != nil {
			r.countReply("tlv")
		}
		return reply
	case 'h':
		// SLIMP3 hello; the zero sentinel marks a packet we must not echo.
		if len(pkt) >= 3 && pkt[1] == 0 && pkt[2] == 0 {
			return nil
		}
		slog.Debug("discovery: slimp3 hello", "peer", peer)
		r.countReply("slimp3")
		reply := make([]byte, 18)
		reply[0] = 'h'
		return reply
	default:
		return nil
	}
}

// legacyReply is 'D' plus exactly 17 bytes of hostname in ISO-8859-1,
// truncated to 16 characters and right-padded with NUL.
func legacyReply(name string) []byte {
	reply := make([]byte, 18)
	reply[0] = 'D'
	b := latin1(name)
	if len(b) > 16 {
		b = b[:16]
	}
	copy(reply[1:], b)
	return reply
}

// latin1 converts a string to ISO-8859-1, replacing anything outside it.
func latin1(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			r = '?'
		}
		out = append(out, byte(r))
	}
	return out
}

// tlvReply parses an "e" probe's tag-length-value list and answers every
// recognized tag. Parse errors drop the packet.
func (r *Responder) tlvReply(body []byte, peer *net.UDPAddr) []byte {
	reply := []byte{'E'}
	for len(body) > 0 {
		if len(body) < 5 {
			slog.Warn("discovery: truncated TLV", "peer", peer, "remaining", len(body))
			return nil
		}
		tag := string(body[:4])
		vlen := int(body[4])
		if len(body) < 5+vlen {
			slog.Warn("discovery: bad TLV length", "peer", peer, "tag", tag, "len", vlen)
			return nil
		}
		body = body[5+vlen:]

		var value []byte
		switch tag {
		case "NAME":
			value = latin1(r.serverName)
		case "IPAD":
			ip := localIPFor(peer)
			if ip == nil {
				continue
			}
			value = []byte(ip.String())
		case "JSON":
			value = []byte(strconv.Itoa(r.webPort))
		case "VERS":
			value = []byte(r.version)
		case "UUID":
			value = []byte(r.uuid)
		case "JVID":
			slog.Debug("discovery: JVID probe", "peer", peer)
			continue
		default:
			slog.Debug("discovery: ignoring TLV tag", "peer", peer, "tag", tag)
			continue
		}
		if len(value) > 255 {
			value = value[:255]
		}
		reply = append(reply, tag...)
		reply = append(reply, byte(len(value)))
		reply = append(reply, value...)
	}
	if len(reply) == 1 {
		return nil
	}
	return reply
}

// localIPFor determines the local interface address the peer can reach us
// on, by connecting a throwaway datagram socket to the peer and reading the
// chosen source address. Never returns loopback for a remote peer.
func localIPFor(peer *net.UDPAddr) net.IP {
	conn, err := net.DialUDP("udp4", nil, peer)
	if err != nil {
		slog.Warn("discovery: cannot determine local ip", "peer", peer, "err", err)
		return nil
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	return local.IP
}
