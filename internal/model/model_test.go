package model

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDialAddrPrefersNonLoopbackIPv4(t *testing.T) {
	p := &PeerRecord{Addrs: []net.IP{
		net.ParseIP("127.0.0.1"),
		net.ParseIP("fe80::1"),
		net.ParseIP("192.168.1.42"),
	}}
	got := p.DialAddr()
	assert.Equal(t, "192.168.1.42", got.String())
}

func TestDialAddrFallsBackToFirstAddr(t *testing.T) {
	p := &PeerRecord{Addrs: []net.IP{net.ParseIP("fe80::1")}}
	got := p.DialAddr()
	assert.Equal(t, "fe80::1", got.String())
}

func TestDialAddrNilWhenNoAddrs(t *testing.T) {
	p := &PeerRecord{}
	assert.Nil(t, p.DialAddr())
}

func TestIsSensitive(t *testing.T) {
	assert.True(t, IsSensitive(TypeMessage))
	assert.True(t, IsSensitive(TypeFileMeta))
	assert.True(t, IsSensitive(TypeMessageDelete))
	assert.False(t, IsSensitive(TypePing))
	assert.False(t, IsSensitive(TypeHelloSecure))
}

func TestFileTransferRecordProgress(t *testing.T) {
	f := &FileTransferRecord{Size: 200, Transferred: 50}
	assert.Equal(t, 0.25, f.Progress())

	empty := &FileTransferRecord{}
	assert.Equal(t, float64(0), empty.Progress())
}
