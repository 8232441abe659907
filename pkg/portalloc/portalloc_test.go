package portalloc_test

import (
	"testing"

	"github.com/ethan/vas-core/pkg/portalloc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortFor_Deterministic(t *testing.T) {
	a := portalloc.New(40000, 49999)

	first := a.PortFor("camera-1")
	second := a.PortFor("camera-1")

	assert.Equal(t, first, second)
	assert.GreaterOrEqual(t, first, 40000)
	assert.LessOrEqual(t, first, 49999)
}

func TestPortFor_DifferentCamerasLikelyDifferentPorts(t *testing.T) {
	a := portalloc.New(40000, 49999)
	assert.NotEqual(t, a.PortFor("camera-1"), a.PortFor("camera-2"))
}

func TestReserve_SameCameraReusesPort(t *testing.T) {
	a := portalloc.New(40000, 40010)

	p1, err := a.Reserve("camera-1")
	require.NoError(t, err)

	p2, err := a.Reserve("camera-1")
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
}

func TestReserve_FillingPoolAssignsDistinctPorts(t *testing.T) {
	a := portalloc.New(40000, 40003) // 4-port pool, forces probing on overlap

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		cameraID := "camera-" + string(rune('a'+i))
		p, err := a.Reserve(cameraID)
		require.NoError(t, err)
		assert.False(t, seen[p], "port %d assigned twice", p)
		seen[p] = true
	}

	_, err := a.Reserve("camera-overflow")
	assert.Error(t, err)
}

func TestRelease_FreesPort(t *testing.T) {
	a := portalloc.New(40000, 40010)

	p1, err := a.Reserve("camera-1")
	require.NoError(t, err)

	a.Release("camera-1")

	p2, err := a.Reserve("camera-2")
	require.NoError(t, err)
	_ = p1
	_ = p2
}
