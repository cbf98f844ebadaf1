package coordinator

import (
	"testing"
	"time"

	"homematic-go-bridge/internal/hm"
)

func TestPeerTableObserve(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var seen []Peer
	eb.On(EventPeerSeen, func(e Event) { seen = append(seen, e.Data.(Peer)) })
	pt := NewPeerTable(eb, newTestLogger())

	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	info := hm.NewMessage(0x01, 0x84, hm.TypeInfo, device, central, []byte{0x06, 0x01})
	pt.Observe(info, t0)
	pt.Observe(info, t0.Add(time.Minute))

	if len(seen) != 1 {
		t.Fatalf("peer_seen events = %d, want 1", len(seen))
	}
	p, ok := pt.Get(device)
	if !ok {
		t.Fatal("peer not found")
	}
	if p.Messages != 2 || !p.FirstSeen.Equal(t0) || !p.LastSeen.Equal(t0.Add(time.Minute)) {
		t.Errorf("peer = %+v", p)
	}
}

func TestPeerTableSerial(t *testing.T) {
	pt := NewPeerTable(NewEventBus(newTestLogger()), newTestLogger())
	now := time.Now()

	// device info: firmware, model, serial
	devInfo := append([]byte{0x15, 0x00, 0xad}, "KEQ0123456"...)
	pt.Observe(hm.NewMessage(0x01, 0x84, hm.TypeDeviceInfo, device, 0, devInfo), now)
	if p, _ := pt.Get(device); p.Serial != "KEQ0123456" || p.UpdateMode {
		t.Errorf("device info: peer = %+v", p)
	}

	announce := append([]byte{0x00}, "KEQ7654321"...)
	pt.Observe(hm.NewMessage(0x00, 0x00, hm.TypeInfo, 0x111111, 0, announce), now)
	if p, _ := pt.Get(0x111111); p.Serial != "KEQ7654321" || !p.UpdateMode {
		t.Errorf("announcement: peer = %+v", p)
	}
}

func TestPeerTableList(t *testing.T) {
	pt := NewPeerTable(NewEventBus(newTestLogger()), newTestLogger())
	now := time.Now()
	for _, id := range []hm.HMID{0x300000, 0x100000, 0x200000} {
		pt.Observe(hm.NewMessage(0x01, 0x80, hm.TypeAck, id, central, []byte{0x00}), now)
	}
	pt.Observe(hm.NewMessage(0x01, 0x80, hm.TypeAck, 0, central, []byte{0x00}), now)

	list := pt.List()
	if len(list) != 3 {
		t.Fatalf("peers = %d, want 3", len(list))
	}
	if list[0].HMID != "100000" || list[2].HMID != "300000" {
		t.Errorf("order = %s %s %s", list[0].HMID, list[1].HMID, list[2].HMID)
	}
}
