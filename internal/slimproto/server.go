package slimproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/resonance-music/resonance/internal/events"
	"github.com/resonance-music/resonance/internal/streaming"
	"github.com/resonance-music/resonance/internal/transcode"
)

// heartbeatInterval is how often the server asks idle connections for a
// status frame. Doubles as a dead-peer detector.
const heartbeatInterval = 5 * time.Second

// Server accepts Slimproto connections and runs one read loop per player.
type Server struct {
	addr    string
	webPort int
	version string

	bus      *events.Bus
	registry *Registry
	coord    *streaming.Coordinator
	seeks    *streaming.SeekCoordinator
	policy   *transcode.Policy
}

// NewServer wires a Slimproto server. addr is the TCP listen address
// (normally ":3483"); webPort is where the HTTP audio route lives.
func NewServer(addr string, webPort int, version string, bus *events.Bus, registry *Registry,
	coord *streaming.Coordinator, seeks *streaming.SeekCoordinator, policy *transcode.Policy) *Server {
	return &Server{
		addr:     addr,
		webPort:  webPort,
		version:  version,
		bus:      bus,
		registry: registry,
		coord:    coord,
		seeks:    seeks,
		policy:   policy,
	}
}

// ListenAndServe accepts connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("slimproto: listen %s: %w", s.addr, err)
	}
	slog.Info("slimproto: listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("slimproto: accept failed", "err", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn runs a single device connection: HELO first, then the frame
// dispatch loop. Any malformed frame closes the connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	op, payload, err := ReadFrame(r)
	if err != nil {
		slog.Warn("slimproto: handshake read failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	if op != opHELO {
		slog.Warn("slimproto: first frame was not HELO", "remote", conn.RemoteAddr(), "op", op)
		return
	}
	helo, err := ParseHelo(payload)
	if err != nil {
		slog.Warn("slimproto: bad HELO", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	client := newPlayerClient(conn, helo, s.bus, s.coord, s.policy, s.webPort)
	slog.Info("slimproto: player connected",
		"mac", client.mac, "type", client.info.Type, "revision", helo.Revision,
		"remote", conn.RemoteAddr())

	if err := client.handshake(s.version); err != nil {
		slog.Warn("slimproto: handshake write failed", "mac", client.mac, "err", err)
		return
	}
	s.registry.Add(client)
	defer s.dropClient(client)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeat(hbCtx, client)

	for {
		op, payload, err := ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Warn("slimproto: read failed, closing", "mac", client.mac, "err", err)
			}
			return
		}
		switch op {
		case opSTAT:
			stat, err := ParseStat(payload)
			if err != nil {
				slog.Warn("slimproto: bad STAT, closing", "mac", client.mac, "err", err)
				return
			}
			client.handleStat(stat)
		case opRESP:
			// Headers of the device's HTTP stream request; logged only.
			slog.Debug("slimproto: RESP", "mac", client.mac, "len", len(payload))
		case opMETA:
			slog.Debug("slimproto: META", "mac", client.mac, "len", len(payload))
		case opBYE:
			slog.Info("slimproto: player said goodbye", "mac", client.mac)
			return
		case opANIC:
			slog.Debug("slimproto: ANIC", "mac", client.mac)
		case opHELO:
			// A second HELO on a live connection is a device reset.
			slog.Info("slimproto: repeated HELO, resetting connection", "mac", client.mac)
			return
		default:
			slog.Debug("slimproto: ignoring frame", "mac", client.mac, "op", op)
		}
	}
}

// dropClient runs the disconnect lifecycle: registry removal (which emits
// player.disconnected), seek cleanup, then the stream slot.
func (s *Server) dropClient(c *PlayerClient) {
	if !s.registry.Remove(c) {
		return
	}
	s.seeks.CleanupPlayer(c.mac)
	s.coord.DropPlayer(c.mac)
	slog.Info("slimproto: player disconnected", "mac", c.mac)
}

func (s *Server) heartbeat(ctx context.Context, c *PlayerClient) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RequestStatus(); err != nil {
				// Write errors cancel any active stream; the read loop
				// notices the dead socket and evicts the player.
				s.coord.CancelStream(c.mac)
				c.close()
				return
			}
		}
	}
}
