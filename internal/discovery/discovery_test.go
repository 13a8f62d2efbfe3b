package discovery

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/uuid"
	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperconnect/hyperconnect/internal/events"
	"github.com/hyperconnect/hyperconnect/internal/model"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

type noopPinger struct{}

func (noopPinger) Ping(ctx context.Context, peer *model.PeerRecord) error { return nil }

func newTestService(t *testing.T) (*Service, uuid.UUID, *events.Bus) {
	t.Helper()
	self, err := uuid.NewV4()
	require.NoError(t, err)
	bus := events.New(16, testLogger())
	t.Cleanup(bus.Close)
	self2 := model.NodeIdentity{DeviceID: self, DisplayName: "me"}
	return New(self2, 47100, time.Second, bus, noopPinger{}, testLogger()), self, bus
}

func newPeerID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return id
}

func TestParseEntrySkipsSelfAndMissingDeviceID(t *testing.T) {
	svc, self, _ := newTestService(t)

	selfEntry := &zeroconf.ServiceEntry{Text: []string{txtDeviceID + "=" + self.String()}}
	_, _, ok := svc.parseEntry(selfEntry)
	assert.False(t, ok)

	noIDEntry := &zeroconf.ServiceEntry{Text: []string{txtDisplayName + "=nope"}}
	_, _, ok = svc.parseEntry(noIDEntry)
	assert.False(t, ok)
}

func TestParseEntryBuildsPeerRecord(t *testing.T) {
	svc, _, _ := newTestService(t)
	peerID := newPeerID(t)

	entry := &zeroconf.ServiceEntry{
		HostName: "peer.local.",
		Port:     47200,
		Text: []string{
			txtDeviceID + "=" + peerID.String(),
			txtDisplayName + "=Peer One",
			txtPlatform + "=linux",
			txtAppVersion + "=0.1.0",
		},
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.10")},
	}

	id, peer, ok := svc.parseEntry(entry)
	require.True(t, ok)
	assert.Equal(t, peerID, id)
	assert.Equal(t, "Peer One", peer.DisplayName)
	assert.Equal(t, "peer.local.", peer.Hostname)
	assert.Equal(t, uint16(47200), peer.Port)
	assert.True(t, peer.Online)
	require.Len(t, peer.Addrs, 1)
	assert.Equal(t, "192.168.1.10", peer.Addrs[0].String())
}

func TestOnFoundEmitsDeviceFoundOnlyWhenNewlyOnline(t *testing.T) {
	svc, _, bus := newTestService(t)
	peerID := newPeerID(t)
	peer := &model.PeerRecord{DeviceID: peerID, Online: true}

	svc.onFound(peerID, peer)
	select {
	case ev := <-bus.Events():
		assert.Equal(t, events.DeviceFound, ev.Kind)
	default:
		t.Fatal("expected device_found on first sighting")
	}

	svc.onFound(peerID, peer)
	select {
	case ev := <-bus.Events():
		t.Fatalf("unexpected event for already-online peer: %v", ev.Kind)
	default:
	}
}

func TestMarkMissingOfflineFlipsAndEmits(t *testing.T) {
	svc, _, bus := newTestService(t)
	peerID := newPeerID(t)
	svc.onFound(peerID, &model.PeerRecord{DeviceID: peerID, Online: true})
	<-bus.Events() // drain device_found from onFound

	svc.markMissingOffline(map[uuid.UUID]bool{})

	select {
	case ev := <-bus.Events():
		assert.Equal(t, events.DeviceLost, ev.Kind)
		assert.False(t, ev.Peer.Online)
	default:
		t.Fatal("expected device_lost for a peer absent from this pass")
	}

	p, ok := svc.Peer(peerID)
	require.True(t, ok)
	assert.False(t, p.Online)
}

func TestPromoteOnTrafficRevivesOfflinePeer(t *testing.T) {
	svc, _, bus := newTestService(t)
	peerID := newPeerID(t)
	svc.onFound(peerID, &model.PeerRecord{DeviceID: peerID, Online: false})
	<-bus.Events()

	svc.PromoteOnTraffic(peerID)
	select {
	case ev := <-bus.Events():
		assert.Equal(t, events.DeviceFound, ev.Kind)
	default:
		t.Fatal("expected device_found when promoting an offline peer")
	}

	p, ok := svc.Peer(peerID)
	require.True(t, ok)
	assert.True(t, p.Online)
}

func TestPromoteOnTrafficIgnoresUnknownPeer(t *testing.T) {
	svc, _, bus := newTestService(t)
	svc.PromoteOnTraffic(newPeerID(t))
	select {
	case ev := <-bus.Events():
		t.Fatalf("unexpected event for unknown peer: %v", ev.Kind)
	default:
	}
}
