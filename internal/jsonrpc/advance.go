package jsonrpc

import (
	"context"
	"log/slog"

	"github.com/resonance-music/resonance/internal/events"
	"github.com/resonance-music/resonance/internal/playlist"
)

// RunAutoAdvance consumes track-finished events and starts the next
// playlist track. Events carrying a stale stream generation, or arriving
// inside the manual-start suppression window, belong to a stream that was
// already replaced and are dropped.
func (d *Dispatcher) RunAutoAdvance(ctx context.Context) error {
	ch := d.bus.Subscribe("auto-advance", events.TrackFinished)
	defer d.bus.Unsubscribe("auto-advance")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			data, ok := ev.Data.(events.TrackFinishedData)
			if !ok {
				continue
			}
			d.advance(data)
		}
	}
}

func (d *Dispatcher) advance(data events.TrackFinishedData) {
	mac := data.MAC
	if gen := d.coord.Generation(mac); gen != data.Generation {
		slog.Debug("jsonrpc: stale track-finished dropped",
			"mac", mac, "event_gen", data.Generation, "current_gen", gen)
		return
	}
	if d.coord.InSuppressionWindow(mac) {
		slog.Debug("jsonrpc: track-finished during manual start suppressed", "mac", mac)
		return
	}

	p, ok := d.registry.Get(mac)
	if !ok {
		return
	}

	var advanced bool
	d.playlists.With(mac, func(pl *playlist.Playlist) {
		advanced = pl.Next()
	})
	if !advanced {
		slog.Info("jsonrpc: playlist finished", "mac", mac)
		return
	}

	t, ok := d.playlists.CurrentTrack(mac)
	if !ok {
		return
	}
	if err := p.StartTrack(t.Path, &t); err != nil {
		slog.Error("jsonrpc: auto-advance start failed", "mac", mac, "path", t.Path, "err", err)
	}
}
