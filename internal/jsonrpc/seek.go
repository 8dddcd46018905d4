package jsonrpc

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/resonance-music/resonance/internal/slimproto"
	"github.com/resonance-music/resonance/internal/transcode"
)

// tailGuard keeps the computed byte offset clear of the end of the file so
// the player still receives enough audio to start decoding.
const tailGuard = 8192

// seekTo runs a seek through the coordinator. The executor cancels the
// active stream, stops and flushes the device, queues the file with either a
// time seek (transcoded formats) or a byte offset (direct formats), and
// restarts from the queued slot.
func (d *Dispatcher) seekTo(ctx context.Context, p *slimproto.PlayerClient, targetSec float64) bool {
	mac := p.MAC()
	return d.seeks.Seek(ctx, mac, targetSec, func(target float64) error {
		track, ok := d.playlists.CurrentTrack(mac)
		path := track.Path
		if !ok || path == "" {
			var found bool
			path, found = d.coord.ResolveFile(mac)
			if !found {
				return fmt.Errorf("jsonrpc: nothing to seek in for %s", mac)
			}
		}

		d.coord.CancelStream(mac)
		if err := p.Stop(); err != nil {
			return err
		}
		if err := p.Flush(); err != nil {
			return err
		}

		ext := transcode.NormalizeExt(path)
		if d.policy.NeedsTranscoding(ext, p.Info().Type) {
			d.coord.QueueFileWithSeek(mac, path, target, -1)
		} else {
			durationSec := float64(track.DurationMS) / 1000
			offset, err := byteOffsetFor(path, target, durationSec)
			if err != nil {
				slog.Warn("jsonrpc: byte seek failed, restarting from top",
					"mac", mac, "path", path, "err", err)
				d.coord.QueueFile(mac, path)
			} else {
				d.coord.QueueFileWithByteOffset(mac, path, offset)
			}
		}

		if ok {
			return p.StartQueued(path, &track)
		}
		return p.StartQueued(path, nil)
	})
}

// byteOffsetFor maps a time position to a byte offset by linear
// interpolation over the audio data, skipping any leading ID3v2 tag. For VBR
// files this is approximate, which is the accepted trade-off for seeking
// without a frame index.
func byteOffsetFor(path string, targetSec, durationSec float64) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	size := fi.Size()
	if durationSec <= 0 {
		return 0, fmt.Errorf("jsonrpc: unknown duration for %s", path)
	}

	audioStart, err := audioDataStart(path)
	if err != nil {
		return 0, err
	}
	if audioStart >= size {
		return 0, fmt.Errorf("jsonrpc: tag longer than file %s", path)
	}

	offset := audioStart + int64(targetSec*float64(size-audioStart)/durationSec)
	if offset < audioStart {
		offset = audioStart
	}
	if max := size - tailGuard; offset > max {
		offset = max
	}
	if offset < audioStart {
		offset = audioStart
	}
	return offset, nil
}

// audioDataStart returns the offset of the first audio byte: past the ID3v2
// tag when one leads the file, else zero. ID3v2 sizes are synchsafe: four
// 7-bit bytes, excluding the 10-byte header.
func audioDataStart(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var header [10]byte
	n, err := f.Read(header[:])
	if err != nil || n < 10 {
		return 0, nil
	}
	if header[0] != 'I' || header[1] != 'D' || header[2] != '3' {
		return 0, nil
	}
	tagSize := int64(header[6]&0x7f)<<21 |
		int64(header[7]&0x7f)<<14 |
		int64(header[8]&0x7f)<<7 |
		int64(header[9]&0x7f)
	return tagSize + 10, nil
}
