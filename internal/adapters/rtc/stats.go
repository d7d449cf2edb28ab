package rtc

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// TrackStats accounts the RTP packets of one inbound track.
type TrackStats struct {
	mu        sync.Mutex
	started   bool
	ssrc      uint32
	packets   uint64
	bytes     uint64
	lost      uint64
	malformed uint64
	lastSeq   uint16
	lastAt    time.Time
}

type Snapshot struct {
	SSRC      uint32
	Packets   uint64
	Bytes     uint64
	Lost      uint64
	Malformed uint64
	LastAt    time.Time
}

// Observe records pkt. Sequence gaps count as lost; late and duplicate
// packets are counted but do not move the sequence.
func (s *TrackStats) Observe(pkt *rtp.Packet, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packets++
	s.bytes += uint64(size)
	s.lastAt = time.Now()

	seq := pkt.SequenceNumber
	if !s.started || pkt.SSRC != s.ssrc {
		s.started = true
		s.ssrc = pkt.SSRC
		s.lastSeq = seq
		return
	}
	// uint16 arithmetic wraps at 65535
	diff := seq - s.lastSeq
	if diff == 0 || diff >= 1<<15 {
		return
	}
	s.lost += uint64(diff - 1)
	s.lastSeq = seq
}

func (s *TrackStats) Malformed() {
	s.mu.Lock()
	s.malformed++
	s.mu.Unlock()
}

func (s *TrackStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SSRC:      s.ssrc,
		Packets:   s.packets,
		Bytes:     s.bytes,
		Lost:      s.lost,
		Malformed: s.malformed,
		LastAt:    s.lastAt,
	}
}
