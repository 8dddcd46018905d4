package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// coalesceWindow is how long a seek waits so that rapid scrubbing
	// collapses into one executor run.
	coalesceWindow = 20 * time.Millisecond
	// lockTimeout bounds the wait for the previous seek's stop/flush/start
	// cycle. Timing out here is backpressure, not an error.
	lockTimeout = 500 * time.Millisecond
)

// Executor performs the actual seek: cancel stream, stop, re-queue, restart.
type Executor func(targetSec float64) error

type pendingSeek struct {
	gen    uint64
	target float64
}

type playerSeek struct {
	gen     uint64
	pending pendingSeek
	sem     chan struct{} // 1-slot semaphore; acquired with a deadline
	cancel  context.CancelFunc
}

// SeekCoordinator serializes and coalesces seek requests per player with
// latest-wins semantics: of all calls whose coalesce windows overlap,
// exactly one executor runs, and it carries the newest target.
type SeekCoordinator struct {
	mu      sync.Mutex
	players map[string]*playerSeek
}

// NewSeekCoordinator creates a seek coordinator.
func NewSeekCoordinator() *SeekCoordinator {
	return &SeekCoordinator{players: make(map[string]*playerSeek)}
}

// Seek requests a seek to targetSec for the player. It returns true only if
// this call's executor ran to completion without being superseded by a
// newer seek. Superseded and dropped calls return false without error.
func (s *SeekCoordinator) Seek(ctx context.Context, mac string, targetSec float64, exec Executor) bool {
	s.mu.Lock()
	ps, ok := s.players[mac]
	if !ok {
		ps = &playerSeek{sem: make(chan struct{}, 1)}
		s.players[mac] = ps
	}
	ps.gen++
	myGen := ps.gen
	ps.pending = pendingSeek{gen: myGen, target: targetSec}
	// Cancel the active task without awaiting it: it may itself be parked
	// on the semaphore we are about to contend for.
	if ps.cancel != nil {
		ps.cancel()
	}
	taskCtx, cancel := context.WithCancel(ctx)
	ps.cancel = cancel
	s.mu.Unlock()

	defer cancel()

	select {
	case <-time.After(coalesceWindow):
	case <-taskCtx.Done():
		return false
	}

	s.mu.Lock()
	superseded := ps.pending.gen != myGen
	target := ps.pending.target
	s.mu.Unlock()
	if superseded {
		return false
	}

	select {
	case ps.sem <- struct{}{}:
	case <-time.After(lockTimeout):
		// The previous seek is still mid stop/flush/start. Dropping this
		// one is correct backpressure.
		slog.Warn("seek dropped: player busy", "mac", mac, "target", targetSec)
		return false
	case <-taskCtx.Done():
		return false
	}
	defer func() { <-ps.sem }()

	s.mu.Lock()
	superseded = ps.pending.gen != myGen
	s.mu.Unlock()
	if superseded {
		return false
	}

	if err := exec(target); err != nil {
		slog.Error("seek executor failed", "mac", mac, "target", target, "err", err)
		return false
	}

	s.mu.Lock()
	superseded = ps.pending.gen != myGen
	s.mu.Unlock()
	return !superseded
}

// CleanupPlayer cancels any pending or active seek and forgets the player.
func (s *SeekCoordinator) CleanupPlayer(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.players[mac]; ok {
		if ps.cancel != nil {
			ps.cancel()
		}
		delete(s.players, mac)
	}
}
