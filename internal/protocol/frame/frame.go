package frame

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MessageMark opens every command frame sent to the target.
	MessageMark uint32 = 0xB50FB50F

	ResponseHeaderLen = 12
	CommandHeaderLen  = 8

	ProtocolVersion    uint32 = 26
	MinProtocolVersion uint32 = 25

	payloadChunk = 64 * 1024
)

var (
	ErrTruncatedFrame     = errors.New("frame: truncated frame")
	ErrUnsupportedVersion = errors.New("frame: unsupported protocol version")
	ErrInvalidMark        = errors.New("frame: invalid message mark")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrTrailingBytes      = errors.New("frame: trailing bytes after frame")
)

// ResponseHeader is the fixed header of a target->viewer frame.
type ResponseHeader struct {
	Version       uint32
	PayloadLen    uint32
	Type          uint16
	ApplicationID uint16
}

// ResponseFrame is one complete target->viewer frame.
type ResponseFrame struct {
	Version       uint32
	Type          uint16
	ApplicationID uint16
	Payload       []byte
}

// Header returns the header that precedes f on the wire.
func (f ResponseFrame) Header() ResponseHeader {
	return ResponseHeader{
		Version:       f.Version,
		PayloadLen:    uint32(len(f.Payload)),
		Type:          f.Type,
		ApplicationID: f.ApplicationID,
	}
}

// CommandHeader is the fixed header of a viewer->target frame.
type CommandHeader struct {
	Mark       uint32
	PayloadLen uint32
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
	MinVersion      uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024 * 1024,
		MinVersion:      MinProtocolVersion,
	}
}

func EncodeResponseHeader(h ResponseHeader) []byte {
	buf := make([]byte, ResponseHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.Version)
	binary.LittleEndian.PutUint32(buf[4:8], h.PayloadLen)
	binary.LittleEndian.PutUint16(buf[8:10], h.Type)
	binary.LittleEndian.PutUint16(buf[10:12], h.ApplicationID)
	return buf
}

func DecodeResponseHeader(b []byte) (ResponseHeader, error) {
	if len(b) != ResponseHeaderLen {
		return ResponseHeader{}, fmt.Errorf("frame: invalid response header length: %d", len(b))
	}
	return ResponseHeader{
		Version:       binary.LittleEndian.Uint32(b[0:4]),
		PayloadLen:    binary.LittleEndian.Uint32(b[4:8]),
		Type:          binary.LittleEndian.Uint16(b[8:10]),
		ApplicationID: binary.LittleEndian.Uint16(b[10:12]),
	}, nil
}

func EncodeCommandHeader(h CommandHeader) []byte {
	buf := make([]byte, CommandHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.Mark)
	binary.LittleEndian.PutUint32(buf[4:8], h.PayloadLen)
	return buf
}

func DecodeCommandHeader(b []byte) (CommandHeader, error) {
	if len(b) != CommandHeaderLen {
		return CommandHeader{}, fmt.Errorf("frame: invalid command header length: %d", len(b))
	}
	return CommandHeader{
		Mark:       binary.LittleEndian.Uint32(b[0:4]),
		PayloadLen: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// ReadResponse reads exactly one response frame. The header is read and
// checked before any payload byte is consumed; a short stream yields
// ErrTruncatedFrame and never a partial frame. A below-minimum version is
// reported only after the payload is drained so the stream stays aligned.
func ReadResponse(r io.Reader, limits Limits) (ResponseFrame, error) {
	var fixed [ResponseHeaderLen]byte
	if err := readHeader(r, fixed[:]); err != nil {
		return ResponseFrame{}, err
	}
	h, err := DecodeResponseHeader(fixed[:])
	if err != nil {
		return ResponseFrame{}, err
	}
	if limits.MaxPayloadBytes > 0 && h.PayloadLen > limits.MaxPayloadBytes {
		return ResponseFrame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}

	payload, err := readPayload(r, h.PayloadLen)
	if err != nil {
		return ResponseFrame{}, err
	}
	if h.Version < limits.MinVersion {
		return ResponseFrame{}, fmt.Errorf("%w: got %d, minimum %d", ErrUnsupportedVersion, h.Version, limits.MinVersion)
	}
	return ResponseFrame{
		Version:       h.Version,
		Type:          h.Type,
		ApplicationID: h.ApplicationID,
		Payload:       payload,
	}, nil
}

func WriteResponse(w io.Writer, f ResponseFrame, limits Limits) error {
	if limits.MaxPayloadBytes > 0 && uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	return writeAll(w, EncodeResponse(f))
}

// EncodeResponse returns the full wire bytes of f.
func EncodeResponse(f ResponseFrame) []byte {
	out := make([]byte, 0, ResponseHeaderLen+len(f.Payload))
	out = append(out, EncodeResponseHeader(f.Header())...)
	return append(out, f.Payload...)
}

// ReadCommand reads one command frame and returns its payload.
func ReadCommand(r io.Reader, limits Limits) ([]byte, error) {
	var fixed [CommandHeaderLen]byte
	if err := readHeader(r, fixed[:]); err != nil {
		return nil, err
	}
	h, err := DecodeCommandHeader(fixed[:])
	if err != nil {
		return nil, err
	}
	if h.Mark != MessageMark {
		return nil, fmt.Errorf("%w: 0x%08X", ErrInvalidMark, h.Mark)
	}
	if limits.MaxPayloadBytes > 0 && h.PayloadLen > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}
	payload, err := readPayload(r, h.PayloadLen)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteCommand(w io.Writer, payload []byte, limits Limits) error {
	if limits.MaxPayloadBytes > 0 && uint64(len(payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	return writeAll(w, EncodeCommand(payload))
}

// EncodeCommand wraps payload in a mark+length command header.
func EncodeCommand(payload []byte) []byte {
	out := make([]byte, 0, CommandHeaderLen+len(payload))
	out = append(out, EncodeCommandHeader(CommandHeader{Mark: MessageMark, PayloadLen: uint32(len(payload))})...)
	return append(out, payload...)
}

// EncodeResponseBase64 renders one frame for transports other than a socket.
func EncodeResponseBase64(f ResponseFrame) string {
	return base64.StdEncoding.EncodeToString(EncodeResponse(f))
}

// DecodeResponseBase64 parses exactly one frame from its base64 text form.
func DecodeResponseBase64(s string, limits Limits) (ResponseFrame, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ResponseFrame{}, fmt.Errorf("frame: decode base64: %w", err)
	}
	r := bytes.NewReader(raw)
	f, err := ReadResponse(r, limits)
	if err != nil {
		return ResponseFrame{}, err
	}
	if r.Len() != 0 {
		return ResponseFrame{}, fmt.Errorf("%w: %d", ErrTrailingBytes, r.Len())
	}
	return f, nil
}

// readHeader reports a stream that ends cleanly on a frame boundary as
// ErrTruncatedFrame wrapping io.EOF, so file readers can stop without
// treating it as corruption.
func readHeader(r io.Reader, buf []byte) error {
	n, err := io.ReadFull(r, buf)
	if n == 0 && errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrTruncatedFrame, io.EOF)
	}
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncatedFrame
		}
		return err
	}
	return nil
}

// readPayload reads exactly n bytes. Payloads above payloadChunk grow their
// buffer as bytes arrive, so a header declaring a large length backed by a
// short stream costs only what was received.
func readPayload(r io.Reader, n uint32) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	if n <= payloadChunk {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, truncated(err)
		}
		return buf, nil
	}
	var buf bytes.Buffer
	buf.Grow(payloadChunk)
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		return nil, truncated(err)
	}
	return buf.Bytes(), nil
}

func truncated(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ErrTruncatedFrame
	}
	return err
}

// writeAll issues a single Write so a frame is never split across callers.
func writeAll(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}
