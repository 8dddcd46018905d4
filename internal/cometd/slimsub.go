package cometd

import "log/slog"

// slimSub is a persistent slim.request subscription: the same command is
// re-executed and re-delivered whenever its player's state changes.
type slimSub struct {
	clientID string
	playerID string
	cmd      []any
	id       string
}

func (m *Manager) addSlimSub(respChannel string, sub slimSub) {
	m.mu.Lock()
	if m.slimSubs == nil {
		m.slimSubs = make(map[string]slimSub)
	}
	m.slimSubs[respChannel] = sub
	m.mu.Unlock()
}

func (m *Manager) removeSlimSub(respChannel string) {
	m.mu.Lock()
	delete(m.slimSubs, respChannel)
	m.mu.Unlock()
}

// refreshSlimSubs re-runs every subscription bound to the player (or to all
// players) and queues fresh results for the owning sessions.
func (m *Manager) refreshSlimSubs(mac string) {
	m.mu.Lock()
	type pending struct {
		ch  string
		sub slimSub
	}
	var todo []pending
	for ch, sub := range m.slimSubs {
		if sub.playerID == "" || sub.playerID == mac {
			todo = append(todo, pending{ch: ch, sub: sub})
		}
	}
	m.mu.Unlock()

	for _, p := range todo {
		result, err := m.dispatch(p.sub.playerID, p.sub.cmd)
		if err != nil {
			slog.Debug("cometd: subscription refresh failed", "channel", p.ch, "err", err)
			continue
		}
		m.DeliverTo(p.sub.clientID, Message{Channel: p.ch, ID: p.sub.id, Data: result})
	}
}
