package transcoder_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/ethan/vas-core/pkg/logger"
	"github.com/ethan/vas-core/pkg/transcoder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs_AssemblesDualOutput(t *testing.T) {
	spec := transcoder.Spec{
		CameraID:       "cam-1",
		RTSPURL:        "rtsp://fake/cam1",
		RouterHost:     "127.0.0.1",
		DestPort:       40512,
		SourcePort:     40512,
		SSRC:           0xDEADBEEF,
		RecordingsRoot: "/recordings/hot",
	}

	args := transcoder.BuildArgs(spec)
	joined := argsToString(args)

	assert.Contains(t, joined, "-rtsp_transport tcp")
	assert.Contains(t, joined, "rtsp://fake/cam1")
	assert.Contains(t, joined, "payload_type")
	assert.Contains(t, joined, "96")
	assert.Contains(t, joined, "localport=40512")
	assert.Contains(t, joined, "hls_list_size 14400")
	assert.Contains(t, joined, "segment-%s.ts")
	assert.Contains(t, joined, "stream.m3u8")
}

func argsToString(args []string) string {
	out := ""
	for _, a := range args {
		out += a + " "
	}
	return out
}

func TestSpawn_CapturesExitStatus(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test relies on /bin/sh")
	}

	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)

	spec := transcoder.Spec{
		CameraID:      "cam-1",
		TranscoderBin: "/bin/sh",
		RecordingsRoot: t.TempDir(),
	}
	// Override args indirectly isn't supported by Spawn's API (it always
	// builds ffmpeg-shaped args), so exercise the exit report against a spec
	// whose binary is a shell that rejects ffmpeg-style flags and exits
	// quickly regardless of its arguments.
	spec.RTSPURL = "rtsp://fake/exit-immediately"

	sup, err := transcoder.Spawn(context.Background(), spec, log)
	require.NoError(t, err)

	select {
	case report := <-sup.Done():
		assert.Equal(t, "cam-1", report.CameraID)
	case <-time.After(5 * time.Second):
		t.Fatal("transcoder did not report exit")
	}
}

func TestSignedSSRCAppearsInArgs(t *testing.T) {
	spec := transcoder.Spec{SSRC: 100, RecordingsRoot: "/tmp"}
	args := transcoder.BuildArgs(spec)
	assert.Contains(t, argsToString(args), "-ssrc 100")
}
