package netstack

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ustacklabs/ustack/internal/pcap"
)

// Link is a channel-backed in-memory link for driving the stack without real
// hardware: it implements Transmitter, hands transmitted frames to a reader,
// and can mirror every frame into a pcap stream. Tests, the interop harness,
// and the simulator use it as the reference "driver"; the codec layers never
// depend on it.
type Link struct {
	log    *slog.Logger
	frames chan []byte

	mu     sync.Mutex
	tap    *pcap.Writer
	closed bool
}

// NewLink returns a link able to buffer depth in-flight frames.
func NewLink(logger *slog.Logger, depth int) *Link {
	if depth <= 0 {
		depth = 64
	}
	return &Link{
		log:    logger,
		frames: make(chan []byte, depth),
	}
}

// Transmit copies the frame onto the link. A full link drops the frame and
// reports it, matching how a saturated wire behaves.
func (l *Link) Transmit(frame []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("link closed")
	}
	l.capture(frame)
	l.mu.Unlock()

	out := append([]byte(nil), frame...)
	select {
	case l.frames <- out:
		return nil
	default:
		if l.log != nil {
			l.log.Warn("link: dropped frame, buffer full", "len", len(frame))
		}
		return fmt.Errorf("link buffer full")
	}
}

// Frames exposes the transmitted frames to the peer side of the link.
func (l *Link) Frames() <-chan []byte { return l.frames }

// OpenPacketCapture mirrors every subsequent frame into a classic libpcap
// stream on out.
func (l *Link) OpenPacketCapture(out io.Writer) error {
	writer := pcap.NewWriter(out)
	if err := writer.WriteFileHeader(MTU, pcap.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}
	l.mu.Lock()
	l.tap = writer
	l.mu.Unlock()
	return nil
}

// CaptureInbound records a frame that arrived from the peer, so captures
// show both directions. Safe to call with no capture open.
func (l *Link) CaptureInbound(frame []byte) {
	l.mu.Lock()
	l.capture(frame)
	l.mu.Unlock()
}

// capture writes one frame to the tap. Caller holds l.mu.
func (l *Link) capture(frame []byte) {
	if l.tap == nil {
		return
	}
	err := l.tap.WritePacket(pcap.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
	if err != nil && l.log != nil {
		l.log.Warn("link: pcap write failed", "err", err)
	}
}

// Close tears the link down; further Transmit calls fail.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.frames)
}
