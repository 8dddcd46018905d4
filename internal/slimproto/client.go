package slimproto

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/resonance-music/resonance/internal/events"
	"github.com/resonance-music/resonance/internal/models"
	"github.com/resonance-music/resonance/internal/streaming"
	"github.com/resonance-music/resonance/internal/transcode"
)

// PlayerClient is one connected device. It exclusively owns its Slimproto
// connection and its PlayerStatus; everything else reaches it through the
// registry by MAC.
type PlayerClient struct {
	mac  string
	info models.PlayerInfo
	conn net.Conn

	bus    *events.Bus
	coord  *streaming.Coordinator
	policy *transcode.Policy

	webPort int

	writeMu  sync.Mutex
	statusMu sync.Mutex
	status   models.PlayerStatus
}

func newPlayerClient(conn net.Conn, helo Helo, bus *events.Bus, coord *streaming.Coordinator, policy *transcode.Policy, webPort int) *PlayerClient {
	devType := models.DeviceTypeFromID(helo.DeviceID)
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return &PlayerClient{
		mac:  helo.MAC,
		conn: conn,
		info: models.PlayerInfo{
			MAC:      helo.MAC,
			UUID:     helo.UUID,
			Type:     devType,
			Revision: helo.Revision,
			Tier:     devType.Tier(),
			Name:     deviceName(devType, helo.MAC),
			Address:  host,
		},
		bus:     bus,
		coord:   coord,
		policy:  policy,
		webPort: webPort,
		status:  models.PlayerStatus{State: models.StateStopped, Volume: 50},
	}
}

// MAC returns the player's canonical MAC address.
func (c *PlayerClient) MAC() string { return c.mac }

// Info returns the immutable session info derived from HELO.
func (c *PlayerClient) Info() models.PlayerInfo { return c.info }

// Status returns a copy of the player's current status.
func (c *PlayerClient) Status() models.PlayerStatus {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

func (c *PlayerClient) send(op string, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.conn, op, payload); err != nil {
		return fmt.Errorf("slimproto: write %s to %s: %w", op, c.mac, err)
	}
	return nil
}

// handshake sends the initial frames after HELO: version, visualizer off,
// audio outputs enabled.
func (c *PlayerClient) handshake(version string) error {
	if err := c.send(opVers, []byte(version)); err != nil {
		return err
	}
	if err := c.send(opVisu, []byte{0, 0}); err != nil {
		return err
	}
	return c.send(opAude, audePayload(true, true))
}

// StartTrack queues path as the player's stream and points the device at
// the HTTP audio route. The wire format announced in the strm frame comes
// from the transcode policy, never from the file name alone.
func (c *PlayerClient) StartTrack(path string, track *models.PlaylistTrack) error {
	c.coord.MarkManualStart(c.mac)
	c.coord.QueueFile(c.mac, path)
	return c.startStream(path, track)
}

// StartQueued starts playback of an already-queued slot (used by the seek
// path, which queues with a seek position first).
func (c *PlayerClient) StartQueued(path string, track *models.PlaylistTrack) error {
	c.coord.MarkManualStart(c.mac)
	return c.startStream(path, track)
}

func (c *PlayerClient) startStream(path string, track *models.PlaylistTrack) error {
	format := c.policy.StrmFormatHint(transcode.NormalizeExt(path), c.info.Type)
	payload := strmPayload(strmStart, format, true, 0, uint16(c.webPort), streamRequest(c.mac))
	if err := c.send(opStrm, payload); err != nil {
		return err
	}

	c.statusMu.Lock()
	c.status.State = models.StateBuffering
	c.status.ElapsedMS = 0
	c.status.StreamGeneration = c.coord.Generation(c.mac)
	c.status.CurrentTrack = track
	if track != nil {
		c.status.DurationMS = track.DurationMS
	}
	st := c.status
	c.statusMu.Unlock()

	slog.Info("slimproto: start stream", "mac", c.mac, "path", path, "format", format)
	c.publishStatus(st)
	return nil
}

// Play unpauses, or reports false if there is nothing to unpause (the
// caller then restarts from the playlist).
func (c *PlayerClient) Play() (bool, error) {
	c.statusMu.Lock()
	paused := c.status.State == models.StatePaused
	if paused {
		c.status.State = models.StatePlaying
	}
	st := c.status
	c.statusMu.Unlock()

	if !paused {
		return false, nil
	}
	if err := c.send(opStrm, strmPayload(strmUnpause, "", false, 0, 0, "")); err != nil {
		return false, err
	}
	c.publishStatus(st)
	return true, nil
}

// Pause sends strm-p and marks the player paused.
func (c *PlayerClient) Pause() error {
	if err := c.send(opStrm, strmPayload(strmPause, "", false, 0, 0, "")); err != nil {
		return err
	}
	c.setState(models.StatePaused)
	return nil
}

// Stop sends strm-q and marks the player stopped.
func (c *PlayerClient) Stop() error {
	c.coord.CancelStream(c.mac)
	if err := c.send(opStrm, strmPayload(strmStop, "", false, 0, 0, "")); err != nil {
		return err
	}
	c.setState(models.StateStopped)
	return nil
}

// Flush sends strm-f, discarding the device's buffered audio.
func (c *PlayerClient) Flush() error {
	return c.send(opStrm, strmPayload(strmFlush, "", false, 0, 0, ""))
}

// RequestStatus sends strm-t; the device answers with a STMt STAT frame.
func (c *PlayerClient) RequestStatus() error {
	return c.send(opStrm, strmPayload(strmStatus, "", false, 0, 0, ""))
}

// SetVolume sets the 0..100 volume and pushes an audg frame.
func (c *PlayerClient) SetVolume(volume int) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	c.statusMu.Lock()
	c.status.Volume = volume
	muted := c.status.Muted
	st := c.status
	c.statusMu.Unlock()

	if err := c.send(opAudg, audgPayload(volume, muted)); err != nil {
		return err
	}
	c.publishStatus(st)
	return nil
}

// SetMuted toggles mute without losing the volume setting.
func (c *PlayerClient) SetMuted(muted bool) error {
	c.statusMu.Lock()
	c.status.Muted = muted
	volume := c.status.Volume
	st := c.status
	c.statusMu.Unlock()

	if err := c.send(opAudg, audgPayload(volume, muted)); err != nil {
		return err
	}
	c.publishStatus(st)
	return nil
}

func (c *PlayerClient) setState(s models.PlayerState) {
	c.statusMu.Lock()
	c.status.State = s
	st := c.status
	c.statusMu.Unlock()
	c.publishStatus(st)
}

func (c *PlayerClient) publishStatus(st models.PlayerStatus) {
	c.bus.Publish(events.PlayerStatus, events.PlayerStatusData{MAC: c.mac, Status: st})
}

// handleStat updates the status from a STAT frame and drives the state
// machine. Only STMu advances playback: STMd fires while the device is
// still draining its output buffer, so acting on it cuts tracks short.
func (c *PlayerClient) handleStat(stat Stat) {
	c.statusMu.Lock()
	c.status.BufferFill = stat.BufferFullness
	if stat.ElapsedMS > 0 {
		c.status.ElapsedMS = int64(stat.ElapsedMS)
	} else if stat.ElapsedSeconds > 0 {
		c.status.ElapsedMS = int64(stat.ElapsedSeconds) * 1000
	}

	var underrun bool
	switch stat.Event {
	case EventStarted:
		c.status.State = models.StatePlaying
	case EventHeartbeat:
		if c.status.State == models.StateBuffering && c.status.ElapsedMS > 0 {
			c.status.State = models.StatePlaying
		}
	case EventPaused:
		c.status.State = models.StatePaused
	case EventResumed:
		c.status.State = models.StatePlaying
	case EventUnderrun:
		if c.status.State == models.StatePlaying || c.status.State == models.StateBuffering {
			underrun = true
		}
		c.status.State = models.StateStopped
	case EventFlushed, EventConnect, EventHeaders, EventEstablish, EventDecodeDone, EventOutput:
		// Telemetry only.
	}
	st := c.status
	c.statusMu.Unlock()

	slog.Debug("slimproto: stat", "mac", c.mac, "event", stat.Event,
		"elapsed_ms", st.ElapsedMS, "fill", stat.BufferFullness)
	c.publishStatus(st)

	if underrun {
		gen := c.coord.Generation(c.mac)
		slog.Info("slimproto: track finished", "mac", c.mac, "generation", gen)
		c.bus.Publish(events.TrackFinished, events.TrackFinishedData{MAC: c.mac, Generation: gen})
	}
}

// close tears the connection down; the read loop's exit does the rest.
func (c *PlayerClient) close() {
	_ = c.conn.Close()
}
