package ssrccapture_test

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/ethan/vas-core/pkg/ssrccapture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func TestCapture_ExtractsSSRCFromFirstPacket(t *testing.T) {
	port := freePort(t)

	resultCh := make(chan ssrccapture.Result, 1)
	go func() {
		r, err := ssrccapture.Capture(context.Background(), port, 2*time.Second, nil)
		require.NoError(t, err)
		resultCh <- r
	}()

	time.Sleep(50 * time.Millisecond) // let the listener bind

	header := make([]byte, 12)
	header[0] = 0x80
	header[1] = 96
	binary.BigEndian.PutUint16(header[2:4], 1)
	binary.BigEndian.PutUint32(header[4:8], 1000)
	binary.BigEndian.PutUint32(header[8:12], 0xDEADBEEF)

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(header)
	require.NoError(t, err)

	select {
	case r := <-resultCh:
		assert.True(t, r.Success)
		assert.Equal(t, uint32(0xDEADBEEF), r.SSRC)
	case <-time.After(3 * time.Second):
		t.Fatal("capture did not return")
	}
}

func TestCapture_TimesOutWithoutError(t *testing.T) {
	port := freePort(t)

	r, err := ssrccapture.Capture(context.Background(), port, 100*time.Millisecond, nil)

	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, uint32(0), r.SSRC)
}

func TestCapture_ShortPacketIsIgnoredAsFailure(t *testing.T) {
	port := freePort(t)

	resultCh := make(chan ssrccapture.Result, 1)
	go func() {
		r, _ := ssrccapture.Capture(context.Background(), port, 300*time.Millisecond, nil)
		resultCh <- r
	}()

	time.Sleep(50 * time.Millisecond)
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	r := <-resultCh
	assert.False(t, r.Success)
}

func TestSignedForTranscoder(t *testing.T) {
	assert.Equal(t, int64(100), ssrccapture.SignedForTranscoder(100))
	assert.Equal(t, int64(0x7FFFFFFF), ssrccapture.SignedForTranscoder(0x7FFFFFFF))
	// 0xDEADBEEF (3735928559) exceeds int32 range, wraps negative.
	assert.Equal(t, int64(3735928559)-(1<<32), ssrccapture.SignedForTranscoder(0xDEADBEEF))
}
