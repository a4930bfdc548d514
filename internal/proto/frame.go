package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize fits a full chunk plus its JSON envelope.
	MaxFrameSize = 4 << 20
	// SoftMaxFrameSize is the size any frame may have whatever its kind.
	SoftMaxFrameSize = 64 << 10

	frameHeaderLen = 4
	kindSniffLen   = 512
)

var (
	ErrFrameSize    = errors.New("frame size out of range")
	ErrFrameForKind = errors.New("frame too large for its kind")
)

// FrameLimit gives the largest frame accepted for a message kind.
type FrameLimit func(Kind) int

// KindLimit lets signed messages that may carry chunks use the full frame
// size. Share-signed messages carry at most a vote or a chunk fan-out.
func KindLimit(k Kind) int {
	switch k {
	case KindNodeBlsShareAuth:
		return 1 << 20
	case KindClientAuth, KindNodeAuth, KindSectionAuth, KindSectionInfo:
		return MaxFrameSize
	}
	return SoftMaxFrameSize
}

// EncodeFrame prefixes payload with its big-endian u32 length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameSize, len(payload))
	}
	out := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[frameHeaderLen:], payload)
	return out, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one frame. With a limit, frames above SoftMaxFrameSize
// must name a kind in their leading bytes whose limit admits them.
func ReadFrame(r io.Reader, limit FrameLimit) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameSize, n)
	}
	if limit == nil || n <= SoftMaxFrameSize {
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
	head := make([]byte, min(n, kindSniffLen))
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	kind := sniffKind(head)
	if kind == "" {
		return nil, fmt.Errorf("%w: %d bytes with no kind", ErrFrameForKind, n)
	}
	if n > limit(kind) {
		return nil, fmt.Errorf("%w: %d bytes of %s", ErrFrameForKind, n, kind)
	}
	payload := make([]byte, n)
	copy(payload, head)
	if _, err := io.ReadFull(r, payload[len(head):]); err != nil {
		return nil, err
	}
	return payload, nil
}

// sniffKind walks the leading top-level fields of an encoded WireMsg until
// it finds "kind". It gives up on the first field it cannot skip whole.
func sniffKind(head []byte) Kind {
	dec := json.NewDecoder(bytes.NewReader(head))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return ""
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		key, _ := tok.(string)
		if key == "kind" {
			var k Kind
			if err := dec.Decode(&k); err != nil {
				return ""
			}
			return k
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return ""
		}
	}
	return ""
}
