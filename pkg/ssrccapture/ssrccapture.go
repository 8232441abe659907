// Package ssrccapture implements the short-lived UDP listener that reads the
// first RTP packet on a port and extracts its synchronization source id.
package ssrccapture

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/ethan/vas-core/pkg/logger"
)

// Result is the outcome of a capture attempt. On timeout or a short packet,
// Success is false and SSRC is zero — never an error, per §4.2.
type Result struct {
	SSRC    uint32
	Success bool
}

const minRTPHeaderLen = 12

// Capture binds UDP 127.0.0.1:port, waits up to timeout for one datagram of
// at least 12 bytes, and extracts bytes 8..11 as the big-endian SSRC. The
// socket is bound before returning control to the caller's goroutine
// scheduling point, so callers racing a transcoder start should call Capture
// (or at least its internal bind) before spawning the transcoder.
func Capture(ctx context.Context, port int, timeout time.Duration, log *logger.Logger) (Result, error) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("bind capture socket on %d: %w", port, err)
	}
	defer conn.Close()

	if log != nil {
		log.DebugSSRC("capture socket bound", "port", port, "timeout", timeout.String())
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return Result{}, fmt.Errorf("set read deadline: %w", err)
	}

	// ReadFromUDP only wakes on its own deadline, not ctx cancellation; close
	// the socket on ctx.Done so a cancelled Start doesn't leave this goroutine
	// blocked until timeout expires.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readDone:
		}
	}()

	buf := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		if log != nil {
			log.DebugSSRC("capture timed out or failed", "port", port, "error", err)
		}
		return Result{SSRC: 0, Success: false}, nil
	}

	if n < minRTPHeaderLen {
		if log != nil {
			log.DebugSSRC("captured packet too short", "port", port, "bytes", n)
		}
		return Result{SSRC: 0, Success: false}, nil
	}

	if log != nil {
		log.DebugSSRCBytes(port, buf[:n])
	}

	ssrc := binary.BigEndian.Uint32(buf[8:12])
	return Result{SSRC: ssrc, Success: true}, nil
}

// SignedForTranscoder converts an unsigned SSRC into the signed 32-bit form
// the transcoder command line expects (see §6.3): values above the int32
// range wrap negative, matching `if ssrc > 2^31-1 then ssrc - 2^32 else ssrc`.
func SignedForTranscoder(ssrc uint32) int64 {
	if ssrc > 1<<31-1 {
		return int64(ssrc) - 1<<32
	}
	return int64(ssrc)
}
