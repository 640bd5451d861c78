// Package wire implements the length-prefixed framing protocol shared by
// every channel and the payload shapes carried over it. Payloads are
// binn-shaped objects, encoded with github.com/drep-project/binary, a
// reflective struct codec also used for on-disk objects elsewhere in
// this tree.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	drepbinary "github.com/drep-project/binary"

	"github.com/wwwVladislav/MedvedDB/internal/errcode"
)

// DefaultMaxPayloadSize is the per-frame payload ceiling.
const DefaultMaxPayloadSize = 16 * 1024 * 1024

const headerSize = 2 + 2 + 4 // message_id, request_number, payload_size

// Frame is one length-prefixed message.
type Frame struct {
	MessageID     uint16
	RequestNumber uint16
	Payload       []byte
}

// Encode writes a Frame in network byte order onto w.
func Encode(w io.Writer, f *Frame) error {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], f.MessageID)
	binary.BigEndian.PutUint16(hdr[2:4], f.RequestNumber)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing frame header")
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return errors.Wrap(err, "writing frame payload")
		}
	}
	return nil
}

// Decode reads exactly one Frame from r, enforcing maxPayload. It always
// blocks until a full frame has been read and never returns
// errcode.ErrAgain. Dispatcher.Read wraps the connection in a
// *bufio.Reader and, after each decoded frame, stops draining once
// Buffered() reports no bytes left.
func Decode(r io.Reader, maxPayload uint32) (*Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[4:8])
	if size > maxPayload {
		return nil, errcode.New(errcode.InvalidArg, "frame payload exceeds configured maximum")
	}
	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, errors.Wrap(err, "reading frame payload")
		}
	}
	return &Frame{
		MessageID:     binary.BigEndian.Uint16(hdr[0:2]),
		RequestNumber: binary.BigEndian.Uint16(hdr[2:4]),
		Payload:       payload,
	}, nil
}

// Marshal encodes a payload object into its binn-shaped byte form.
func Marshal(v interface{}) ([]byte, error) {
	b, err := drepbinary.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling payload")
	}
	return b, nil
}

// Unmarshal decodes a payload into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := drepbinary.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "unmarshaling payload")
	}
	return nil
}

// BufferedReader is an io.Reader that also reports how many bytes it
// holds buffered; *bufio.Reader satisfies it. Decode and the dispatcher
// do not take it as a parameter.
type BufferedReader interface {
	io.Reader
	Buffered() int
}

var _ BufferedReader = (*bufio.Reader)(nil)
