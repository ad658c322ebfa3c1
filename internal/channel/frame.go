package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// StreamType identifies the origin of a multiplexed frame.
type StreamType byte

// Stream types as written by the runtime in the first header byte.
const (
	Stdin StreamType = iota
	Stdout
	Stderr
	Systemerr
)

// headerLen is the size of the frame header: stream byte, three padding
// bytes and a big-endian uint32 payload length.
const headerLen = 8

// maxFrameSize guards against a corrupt length field making us buffer
// gigabytes.
const maxFrameSize = 64 << 20

// ErrMalformedFrame is returned when a header carries an unknown stream type
// or an implausible length.
var ErrMalformedFrame = errors.New("malformed stream frame")

// Frame is one decoded chunk of the multiplexed stream.
type Frame struct {
	Stream  StreamType
	Payload []byte
}

// Decoder splits a multiplexed exec stream into frames. Bytes are fed with
// Write as they arrive; complete frames accumulate and a frame cut at the
// buffer boundary waits for more input. Whatever is still pending when the
// stream ends is discarded.
type Decoder struct {
	pending []byte
	frames  []Frame
	err     error
}

// Write appends raw stream bytes and decodes every complete frame.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.pending = append(d.pending, p...)
	for {
		if len(d.pending) < headerLen {
			return len(p), nil
		}
		stream := StreamType(d.pending[0])
		if stream > Systemerr {
			d.err = fmt.Errorf("%w: stream type %d", ErrMalformedFrame, d.pending[0])
			return len(p), d.err
		}
		size := binary.BigEndian.Uint32(d.pending[4:headerLen])
		if size > maxFrameSize {
			d.err = fmt.Errorf("%w: frame of %d bytes", ErrMalformedFrame, size)
			return len(p), d.err
		}
		end := headerLen + int(size)
		if len(d.pending) < end {
			return len(p), nil
		}
		payload := make([]byte, size)
		copy(payload, d.pending[headerLen:end])
		d.frames = append(d.frames, Frame{Stream: stream, Payload: payload})
		d.pending = d.pending[end:]
	}
}

// Frames returns the complete frames decoded so far.
func (d *Decoder) Frames() []Frame {
	return d.frames
}

// Pending reports how many bytes of an incomplete frame are buffered.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// Err returns the first decoding error, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Text concatenates the stdout and stderr payloads in arrival order.
func (d *Decoder) Text() string {
	n := 0
	for _, f := range d.frames {
		if f.Stream == Stdout || f.Stream == Stderr {
			n += len(f.Payload)
		}
	}
	buf := make([]byte, 0, n)
	for _, f := range d.frames {
		if f.Stream == Stdout || f.Stream == Stderr {
			buf = append(buf, f.Payload...)
		}
	}
	return string(buf)
}

// SystemError returns the runtime's system-error payload, if it sent one.
func (d *Decoder) SystemError() string {
	var msg []byte
	for _, f := range d.frames {
		if f.Stream == Systemerr {
			msg = append(msg, f.Payload...)
		}
	}
	return string(msg)
}

// DecodeAll decodes a complete buffer, dropping a trailing partial frame.
func DecodeAll(r io.Reader) (*Decoder, error) {
	d := &Decoder{}
	if _, err := io.Copy(d, r); err != nil {
		return d, err
	}
	return d, d.err
}
