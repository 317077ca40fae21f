// Package pcap reads and writes classic libpcap capture streams. The
// simulator and the link harness use it to dump Ethernet frames for
// inspection with tcpdump or Wireshark.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// LinkTypeEthernet is the DLT identifier for Ethernet capture files,
// matching the tcpdump/libpcap definition.
const LinkTypeEthernet uint32 = 1

const (
	magicLittleEndian = 0xa1b2c3d4
	versionMajor      = 2
	versionMinor      = 4

	fileHeaderLen   = 24
	recordHeaderLen = 16
)

var (
	// ErrHeaderAlreadyWritten indicates the global header has already been
	// emitted for this writer instance.
	ErrHeaderAlreadyWritten = errors.New("pcap: file header already written")
	// ErrHeaderNotWritten indicates a packet was written before the global
	// header.
	ErrHeaderNotWritten = errors.New("pcap: file header not written")
)

// CaptureInfo describes metadata for one captured packet. Timestamps are
// serialized at microsecond resolution.
type CaptureInfo struct {
	Timestamp     time.Time
	CaptureLength int
	Length        int
}

// Writer emits a libpcap stream. Packets longer than the snap length given
// to WriteFileHeader are truncated on write, the way a capturing NIC would
// truncate them, with the record keeping the original length.
type Writer struct {
	w             io.Writer
	headerWritten bool
	snapLen       uint32
}

// NewWriter wraps out. WriteFileHeader must be called once before any
// packets are written.
func NewWriter(out io.Writer) *Writer {
	return &Writer{w: out}
}

// WriteFileHeader writes the 24-byte global pcap header.
func (w *Writer) WriteFileHeader(snapLen int, linkType uint32) error {
	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}
	if snapLen <= 0 || snapLen > math.MaxUint32 {
		return fmt.Errorf("pcap: snap length %d out of range", snapLen)
	}

	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicLittleEndian)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	// Timezone offset and sigfigs are always zero in practice.
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(snapLen))
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)

	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}
	w.snapLen = uint32(snapLen)
	w.headerWritten = true
	return nil
}

// WritePacket appends one packet record, truncating the stored bytes to the
// snap length when needed.
func (w *Writer) WritePacket(ci CaptureInfo, data []byte) error {
	if !w.headerWritten {
		return ErrHeaderNotWritten
	}
	if ci.CaptureLength < 0 || ci.Length < 0 {
		return fmt.Errorf("pcap: negative packet length")
	}
	if ci.CaptureLength > len(data) {
		return fmt.Errorf("pcap: capture length %d exceeds data buffer %d", ci.CaptureLength, len(data))
	}
	if ci.Length > math.MaxUint32 {
		return fmt.Errorf("pcap: original length %d overflows uint32", ci.Length)
	}

	stored := ci.CaptureLength
	if uint32(stored) > w.snapLen {
		stored = int(w.snapLen)
	}

	var tsSec, tsUsec uint32
	if !ci.Timestamp.IsZero() {
		sec := ci.Timestamp.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp seconds %d out of range", sec)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ci.Timestamp.Nanosecond() / 1_000)
	}

	var rec [recordHeaderLen]byte
	binary.LittleEndian.PutUint32(rec[0:4], tsSec)
	binary.LittleEndian.PutUint32(rec[4:8], tsUsec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(stored))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(ci.Length))

	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if stored == 0 {
		return nil
	}
	if _, err := w.w.Write(data[:stored]); err != nil {
		return fmt.Errorf("pcap: write record data: %w", err)
	}
	return nil
}

// Reader consumes a libpcap stream produced by Writer (little-endian,
// microsecond timestamps).
type Reader struct {
	r        io.Reader
	snapLen  uint32
	linkType uint32
}

// NewReader reads and validates the global header of the stream on in.
func NewReader(in io.Reader) (*Reader, error) {
	var hdr [fileHeaderLen]byte
	if _, err := io.ReadFull(in, hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: read header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(hdr[0:4]); magic != magicLittleEndian {
		return nil, fmt.Errorf("pcap: unsupported magic %#x", magic)
	}
	return &Reader{
		r:        in,
		snapLen:  binary.LittleEndian.Uint32(hdr[16:20]),
		linkType: binary.LittleEndian.Uint32(hdr[20:24]),
	}, nil
}

// SnapLen reports the stream's snap length.
func (r *Reader) SnapLen() int { return int(r.snapLen) }

// LinkType reports the stream's link type.
func (r *Reader) LinkType() uint32 { return r.linkType }

// ReadPacket returns the next packet record, or io.EOF at end of stream.
func (r *Reader) ReadPacket() (CaptureInfo, []byte, error) {
	var rec [recordHeaderLen]byte
	if _, err := io.ReadFull(r.r, rec[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return CaptureInfo{}, nil, io.EOF
		}
		return CaptureInfo{}, nil, fmt.Errorf("pcap: read record header: %w", err)
	}

	ci := CaptureInfo{
		Timestamp: time.Unix(
			int64(binary.LittleEndian.Uint32(rec[0:4])),
			int64(binary.LittleEndian.Uint32(rec[4:8]))*1_000,
		),
		CaptureLength: int(binary.LittleEndian.Uint32(rec[8:12])),
		Length:        int(binary.LittleEndian.Uint32(rec[12:16])),
	}
	if r.snapLen != 0 && uint32(ci.CaptureLength) > r.snapLen {
		return CaptureInfo{}, nil, fmt.Errorf("pcap: record capture length %d exceeds snap length %d", ci.CaptureLength, r.snapLen)
	}

	data := make([]byte, ci.CaptureLength)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return CaptureInfo{}, nil, fmt.Errorf("pcap: read record data: %w", err)
	}
	return ci, data, nil
}
