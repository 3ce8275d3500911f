package microtcp

import "github.com/rs/zerolog/log"

// congestionController tracks the congestion window and slow-start
// threshold, both in bytes. Below ssthresh the window grows by one MSS per
// acknowledgment covering new data (slow start); at or above it, by one MSS
// per fully acknowledged window (congestion avoidance). A retransmission
// timeout halves ssthresh and resets cwnd to the initial window.
//
// Invariant: cwnd never falls below one MSS. The effective send limit is
// min(cwnd, peer window), applied by limit().
type congestionController struct {
	cwnd     uint32
	ssthresh uint32
	mss      uint32
	initCwnd uint32
	acked    uint32 // bytes acknowledged since the last linear increment
}

func newCongestionController(cfg Config) *congestionController {
	return &congestionController{
		cwnd:     uint32(cfg.InitialCwnd),
		ssthresh: uint32(cfg.InitialSsthresh),
		mss:      uint32(cfg.MSS),
		initCwnd: uint32(cfg.InitialCwnd),
	}
}

// onAck grows the window in response to an acknowledgment covering newBytes
// of previously unacknowledged data.
func (c *congestionController) onAck(newBytes uint32) {
	if newBytes == 0 {
		return
	}
	if c.cwnd < c.ssthresh {
		// Slow start: one MSS per new-data acknowledgment.
		c.cwnd += c.mss
		log.Trace().Uint32("cwnd", c.cwnd).Msg("slow start increment")
		return
	}
	// Congestion avoidance: one MSS per full window of acknowledged data.
	c.acked += newBytes
	if c.acked >= c.cwnd {
		c.acked -= c.cwnd
		c.cwnd += c.mss
		log.Trace().Uint32("cwnd", c.cwnd).Msg("congestion avoidance increment")
	}
}

// onTimeout applies the loss response for a retransmission timeout.
func (c *congestionController) onTimeout() {
	half := c.cwnd / 2
	if half < c.mss {
		half = c.mss
	}
	c.ssthresh = half
	c.cwnd = c.initCwnd
	if c.cwnd < c.mss {
		c.cwnd = c.mss
	}
	c.acked = 0
	log.Debug().
		Uint32("cwnd", c.cwnd).
		Uint32("ssthresh", c.ssthresh).
		Msg("timeout: window reset, re-entering slow start")
}

// limit returns the number of bytes allowed in flight given the peer's
// advertised window.
func (c *congestionController) limit(peerWindow uint32) uint32 {
	if peerWindow < c.cwnd {
		return peerWindow
	}
	return c.cwnd
}
