package vaserr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethan/vas-core/pkg/vaserr"
	"github.com/stretchr/testify/assert"
)

func TestKind_HTTPStatus(t *testing.T) {
	cases := map[vaserr.Kind]int{
		vaserr.KindRouterUnavailable:   503,
		vaserr.KindRouterError:         503,
		vaserr.KindSSRCCaptureFailed:   502,
		vaserr.KindRTSPConnectionError: 502,
		vaserr.KindTranscoderError:     500,
		vaserr.KindIllegalTransition:   409,
		vaserr.KindNotFound:            404,
		vaserr.KindTimeout:             504,
		vaserr.KindInternal:            500,
	}
	for kind, status := range cases {
		assert.Equal(t, status, kind.HTTPStatus(), "kind %s", kind)
	}
}

func TestWrap_UnwrapsCause(t *testing.T) {
	cause := errors.New("dial refused")
	err := vaserr.Wrap(vaserr.KindRouterUnavailable, "connect failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dial refused")
}

func TestIs(t *testing.T) {
	err := vaserr.New(vaserr.KindNotFound, "camera unknown")
	wrapped := fmt.Errorf("start failed: %w", err)

	assert.True(t, vaserr.Is(wrapped, vaserr.KindNotFound))
	assert.False(t, vaserr.Is(wrapped, vaserr.KindTimeout))
}

func TestKindOf_DefaultsToInternal(t *testing.T) {
	assert.Equal(t, vaserr.KindInternal, vaserr.KindOf(errors.New("plain")))
	assert.Equal(t, vaserr.KindTimeout, vaserr.KindOf(vaserr.New(vaserr.KindTimeout, "slow")))
}
