package microtcp

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewSocketRejectsBadTuning verifies construction-time validation: an
// MSS that cannot fit a datagram and a receive buffer too large for the
// 16-bit window field are both rejected.
func TestNewSocketRejectsBadTuning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MSS = maxDatagram
	_, err := NewSocket(cfg)
	assert.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)

	cfg = DefaultConfig()
	cfg.RecvBufferLen = 1 << 16
	_, err = NewSocket(cfg)
	assert.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)

	// The largest expressible window is fine.
	cfg = DefaultConfig()
	cfg.RecvBufferLen = 1<<16 - 1
	s, err := NewSocket(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
