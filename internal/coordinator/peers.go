package coordinator

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"homematic-go-bridge/internal/hm"
)

// Peer is a device heard on the air since the bridge started. Nothing
// here survives a restart.
type Peer struct {
	HMID      string    `json:"hmid"`
	Serial    string    `json:"serial,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Messages  int       `json:"messages"`
	LastType  string    `json:"last_type"`
	// UpdateMode is set while the device announces that it waits for a
	// firmware update.
	UpdateMode bool `json:"update_mode"`
}

// PeerTable tracks the senders of received messages.
type PeerTable struct {
	events *EventBus
	logger *slog.Logger

	mu    sync.RWMutex
	peers map[hm.HMID]*Peer
}

// NewPeerTable creates an empty table that announces new peers on events.
func NewPeerTable(events *EventBus, logger *slog.Logger) *PeerTable {
	return &PeerTable{
		events: events,
		logger: logger.With("component", "peers"),
		peers:  make(map[hm.HMID]*Peer),
	}
}

// serialOf extracts the device serial from device-info and update-mode
// announcements.
func serialOf(m hm.Message) (serial string, updateMode bool) {
	p := m.Payload()
	switch {
	case m.Type() == hm.TypeDeviceInfo && len(p) >= 13:
		return string(p[3:13]), false
	case m.Type() == hm.TypeInfo && m.Dst() == 0 && len(p) >= 11 && p[0] == 0x00:
		return string(p[1:11]), true
	}
	return "", false
}

// Observe records m. The first message of a sender emits EventPeerSeen.
func (pt *PeerTable) Observe(m hm.Message, now time.Time) {
	src := m.Src()
	if src == 0 {
		return
	}
	serial, updateMode := serialOf(m)

	pt.mu.Lock()
	p, ok := pt.peers[src]
	if !ok {
		p = &Peer{HMID: src.String(), FirstSeen: now}
		pt.peers[src] = p
	}
	p.LastSeen = now
	p.Messages++
	p.LastType = hm.TypeName(m.Type(), m.Subtype())
	if serial != "" {
		p.Serial = serial
	}
	p.UpdateMode = updateMode
	snapshot := *p
	pt.mu.Unlock()

	if !ok {
		pt.logger.Info("new peer", "hmid", snapshot.HMID, "serial", snapshot.Serial)
		pt.events.Emit(Event{Type: EventPeerSeen, Data: snapshot})
	}
}

// Get returns a copy of the peer with address id.
func (pt *PeerTable) Get(id hm.HMID) (Peer, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p, ok := pt.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// List returns all peers ordered by address.
func (pt *PeerTable) List() []Peer {
	pt.mu.RLock()
	out := make([]Peer, 0, len(pt.peers))
	for _, p := range pt.peers {
		out = append(out, *p)
	}
	pt.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].HMID < out[j].HMID })
	return out
}
