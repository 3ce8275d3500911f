package microtcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCongestionConfig() Config {
	return Config{
		MSS:             1400,
		RecvBufferLen:   8192,
		InitialCwnd:     3 * 1400,
		InitialSsthresh: 8192,
	}.withDefaults()
}

// TestSlowStartGrowth verifies cwnd grows by one MSS per new-data
// acknowledgment while below ssthresh.
func TestSlowStartGrowth(t *testing.T) {
	cc := newCongestionController(testCongestionConfig())
	require.Equal(t, uint32(4200), cc.cwnd)
	require.Equal(t, uint32(8192), cc.ssthresh)

	cc.onAck(1400)
	assert.Equal(t, uint32(5600), cc.cwnd)
	cc.onAck(1400)
	assert.Equal(t, uint32(7000), cc.cwnd)
	cc.onAck(700) // any new data counts, not only full segments
	assert.Equal(t, uint32(8400), cc.cwnd)
}

// TestCongestionAvoidanceGrowth verifies linear growth at or above
// ssthresh: one MSS per fully acknowledged window.
func TestCongestionAvoidanceGrowth(t *testing.T) {
	cfg := testCongestionConfig()
	cfg.InitialCwnd = 8400
	cfg.InitialSsthresh = 8400
	cc := newCongestionController(cfg)

	// A full window of acknowledgments yields a single MSS increment.
	cc.onAck(4200)
	assert.Equal(t, uint32(8400), cc.cwnd, "half a window is not enough")
	cc.onAck(4200)
	assert.Equal(t, uint32(9800), cc.cwnd)

	// Duplicate-free accounting: zero-byte acks change nothing.
	cc.onAck(0)
	assert.Equal(t, uint32(9800), cc.cwnd)
}

// TestTimeoutResponse verifies the loss reaction: ssthresh halves (floored
// at one MSS) and cwnd resets to the initial window.
func TestTimeoutResponse(t *testing.T) {
	cfg := testCongestionConfig()
	cc := newCongestionController(cfg)

	for i := 0; i < 3; i++ {
		cc.onAck(1400)
	}
	before := cc.cwnd
	require.Equal(t, uint32(8400), before)

	cc.onTimeout()
	assert.Equal(t, before/2, cc.ssthresh)
	assert.Equal(t, uint32(cfg.InitialCwnd), cc.cwnd)
}

// TestTimeoutFloorsSsthreshAtOneMSS verifies ssthresh never drops below
// one MSS even after repeated losses.
func TestTimeoutFloorsSsthreshAtOneMSS(t *testing.T) {
	cfg := testCongestionConfig()
	cfg.MSS = 1400
	cfg.InitialCwnd = 1400
	cc := newCongestionController(cfg)

	for i := 0; i < 5; i++ {
		cc.onTimeout()
	}
	assert.Equal(t, uint32(1400), cc.ssthresh)
	assert.GreaterOrEqual(t, cc.cwnd, uint32(1400), "cwnd never falls below one MSS")
}

// TestEffectiveLimit verifies the send limit is min(cwnd, peer window).
func TestEffectiveLimit(t *testing.T) {
	cc := newCongestionController(testCongestionConfig())
	assert.Equal(t, uint32(4200), cc.limit(8192), "cwnd binds")
	assert.Equal(t, uint32(1000), cc.limit(1000), "peer window binds")
	assert.Equal(t, uint32(0), cc.limit(0), "zero window stops transmission")
}
