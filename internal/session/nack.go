package session

// nackGenerator tracks sequence-number gaps on a receive session and decides
// when lost packets are due for a (re)NACK.
type nackGenerator struct {
	started bool
	maxSeq  uint16
	lost    map[uint16]*lostPacket
}

type lostPacket struct {
	detectedMs int64
	lastSentMs int64
	retries    int
}

const (
	nackInitialDelayMs = 20
	nackRetryMs        = 150
	nackMaxRetries     = 10
	nackMaxTracked     = 1000
)

func newNackGenerator() *nackGenerator {
	return &nackGenerator{lost: make(map[uint16]*lostPacket)}
}

// onPacket updates the gap tracker for an in-stream sequence number. It
// returns repeat=true when the packet was already received (or given up on)
// and should not be forwarded again.
func (g *nackGenerator) onPacket(seq uint16, nowMs int64) (repeat bool) {
	if !g.started {
		g.started = true
		g.maxSeq = seq
		return false
	}
	diff := int16(seq - g.maxSeq)
	switch {
	case diff == 1:
		g.maxSeq = seq
		return false
	case diff > 1:
		for s := g.maxSeq + 1; s != seq; s++ {
			if len(g.lost) >= nackMaxTracked {
				break
			}
			g.lost[s] = &lostPacket{detectedMs: nowMs}
		}
		g.maxSeq = seq
		return false
	default:
		// Old packet: either a retransmission filling a gap or a duplicate.
		if _, ok := g.lost[seq]; ok {
			delete(g.lost, seq)
			return false
		}
		return true
	}
}

// due returns the sequence numbers whose NACK (or re-NACK) deadline has
// passed, dropping entries that exhausted their retries.
func (g *nackGenerator) due(nowMs int64) []uint16 {
	var out []uint16
	for seq, lp := range g.lost {
		if lp.retries >= nackMaxRetries {
			delete(g.lost, seq)
			continue
		}
		deadline := lp.detectedMs + nackInitialDelayMs
		if lp.retries > 0 {
			deadline = lp.lastSentMs + nackRetryMs
		}
		if nowMs < deadline {
			continue
		}
		lp.retries++
		lp.lastSentMs = nowMs
		out = append(out, seq)
	}
	return out
}

// pending returns how many packets are currently tracked as lost.
func (g *nackGenerator) pending() int { return len(g.lost) }
