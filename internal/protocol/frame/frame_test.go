package frame

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"runtime"
	"testing"

	"github.com/danmuck/capturectl/internal/testutil/testlog"
)

func TestResponseRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := ResponseFrame{
		Version:       ProtocolVersion,
		Type:          1,
		ApplicationID: 0xB50F,
		Payload:       []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00},
	}
	var buf bytes.Buffer
	if err := WriteResponse(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write response: %v", err)
	}
	wire := append([]byte(nil), buf.Bytes()...)

	out, err := ReadResponse(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if out.Version != in.Version || out.Type != in.Type || out.ApplicationID != in.ApplicationID {
		t.Fatalf("header mismatch: got=%+v want=%+v", out, in)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch")
	}
	if !bytes.Equal(EncodeResponse(out), wire) {
		t.Fatalf("re-encoded bytes differ from wire bytes")
	}
}

func TestResponseHeaderLayout(t *testing.T) {
	testlog.Start(t)
	got := EncodeResponse(ResponseFrame{Version: 26, Type: 5, ApplicationID: 0xB50F, Payload: []byte{9}})
	want := []byte{
		26, 0, 0, 0,
		1, 0, 0, 0,
		5, 0,
		0x0F, 0xB5,
		9,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("layout mismatch:\n got=% x\nwant=% x", got, want)
	}
}

func TestReadResponseShortHeader(t *testing.T) {
	testlog.Start(t)
	_, err := ReadResponse(bytes.NewReader([]byte{26, 0, 0}), DefaultLimits())
	if !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
	if errors.Is(err, io.EOF) {
		t.Fatalf("partial header must not look like a clean EOF")
	}
}

func TestReadResponseCleanEOF(t *testing.T) {
	testlog.Start(t)
	_, err := ReadResponse(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, ErrTruncatedFrame) || !errors.Is(err, io.EOF) {
		t.Fatalf("expected ErrTruncatedFrame wrapping io.EOF, got %v", err)
	}
}

func TestReadResponseShortPayload(t *testing.T) {
	testlog.Start(t)
	full := EncodeResponse(ResponseFrame{Version: 26, Type: 1, ApplicationID: 1, Payload: make([]byte, 32)})
	for cut := ResponseHeaderLen; cut < len(full); cut++ {
		out, err := ReadResponse(bytes.NewReader(full[:cut]), DefaultLimits())
		if !errors.Is(err, ErrTruncatedFrame) {
			t.Fatalf("cut=%d expected ErrTruncatedFrame, got %v", cut, err)
		}
		if out.Payload != nil || out.Version != 0 {
			t.Fatalf("cut=%d returned partial frame: %+v", cut, out)
		}
	}
}

func TestReadResponseConsumesOnlyDeclaredBytes(t *testing.T) {
	testlog.Start(t)
	first := EncodeResponse(ResponseFrame{Version: 26, Type: 1, Payload: []byte("abc")})
	second := EncodeResponse(ResponseFrame{Version: 26, Type: 2, Payload: []byte("defgh")})
	r := bytes.NewReader(append(append([]byte(nil), first...), second...))

	a, err := ReadResponse(r, DefaultLimits())
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if string(a.Payload) != "abc" {
		t.Fatalf("first payload: %q", a.Payload)
	}
	if r.Len() != len(second) {
		t.Fatalf("first read consumed %d extra bytes", len(second)-r.Len())
	}
	b, err := ReadResponse(r, DefaultLimits())
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if b.Type != 2 || string(b.Payload) != "defgh" {
		t.Fatalf("second frame mismatch: %+v", b)
	}
}

func TestReadResponseBelowMinimumVersionKeepsStreamAligned(t *testing.T) {
	testlog.Start(t)
	old := EncodeResponse(ResponseFrame{Version: 10, Type: 1, Payload: []byte("legacy")})
	cur := EncodeResponse(ResponseFrame{Version: ProtocolVersion, Type: 3})
	r := bytes.NewReader(append(append([]byte(nil), old...), cur...))

	if _, err := ReadResponse(r, DefaultLimits()); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	f, err := ReadResponse(r, DefaultLimits())
	if err != nil {
		t.Fatalf("read after rejected frame: %v", err)
	}
	if f.Type != 3 {
		t.Fatalf("stream lost alignment, got type %d", f.Type)
	}
}

func TestReadResponsePayloadTooLarge(t *testing.T) {
	testlog.Start(t)
	hdr := EncodeResponseHeader(ResponseHeader{Version: 26, PayloadLen: 1 << 30})
	_, err := ReadResponse(bytes.NewReader(hdr), Limits{MaxPayloadBytes: 1024, MinVersion: MinProtocolVersion})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := []byte{0x0F, 0xB5, 0x01, 0x00}
	var buf bytes.Buffer
	if err := WriteCommand(&buf, payload, DefaultLimits()); err != nil {
		t.Fatalf("write command: %v", err)
	}
	want := []byte{0x0F, 0xB5, 0x0F, 0xB5, 4, 0, 0, 0, 0x0F, 0xB5, 0x01, 0x00}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("command layout:\n got=% x\nwant=% x", buf.Bytes(), want)
	}
	got, err := ReadCommand(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: % x", got)
	}
}

func TestReadCommandInvalidMark(t *testing.T) {
	testlog.Start(t)
	hdr := EncodeCommandHeader(CommandHeader{Mark: 0x12345678})
	if _, err := ReadCommand(bytes.NewReader(hdr), DefaultLimits()); !errors.Is(err, ErrInvalidMark) {
		t.Fatalf("expected ErrInvalidMark, got %v", err)
	}
}

func TestReadCommandTruncated(t *testing.T) {
	testlog.Start(t)
	full := EncodeCommand([]byte{1, 2, 3, 4})
	if _, err := ReadCommand(bytes.NewReader(full[:len(full)-1]), DefaultLimits()); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestTruncatedLargePayloadAllocatesOnlyReceivedBytes(t *testing.T) {
	testlog.Start(t)
	const declared = 64 << 20
	resp := append(EncodeResponseHeader(ResponseHeader{Version: ProtocolVersion, PayloadLen: declared, Type: 1}),
		bytes.Repeat([]byte{0xAB}, 300*1024)...)
	cmd := append(EncodeCommandHeader(CommandHeader{Mark: MessageMark, PayloadLen: declared}),
		bytes.Repeat([]byte{0xCD}, 300*1024)...)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	for i := 0; i < 4; i++ {
		if _, err := ReadResponse(bytes.NewReader(resp), DefaultLimits()); !errors.Is(err, ErrTruncatedFrame) {
			t.Fatalf("response: expected ErrTruncatedFrame, got %v", err)
		}
		if _, err := ReadCommand(bytes.NewReader(cmd), DefaultLimits()); !errors.Is(err, ErrTruncatedFrame) {
			t.Fatalf("command: expected ErrTruncatedFrame, got %v", err)
		}
	}
	runtime.ReadMemStats(&after)
	if grown := after.TotalAlloc - before.TotalAlloc; grown > 32<<20 {
		t.Fatalf("truncated frames allocated %d bytes, want allocation bounded by received data", grown)
	}
}

func TestLargePayloadRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 100*1024)
	out, err := ReadResponse(bytes.NewReader(EncodeResponse(ResponseFrame{Version: ProtocolVersion, Type: 2, Payload: payload})), DefaultLimits())
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch: got %d bytes", len(out.Payload))
	}
	got, err := ReadCommand(bytes.NewReader(EncodeCommand(payload)), DefaultLimits())
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("command payload mismatch: got %d bytes", len(got))
	}
}

func TestBase64RoundTrip(t *testing.T) {
	testlog.Start(t)
	in := ResponseFrame{Version: 26, Type: 8, ApplicationID: 7, Payload: []byte("tags")}
	text := EncodeResponseBase64(in)
	out, err := DecodeResponseBase64(text, DefaultLimits())
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	if !bytes.Equal(EncodeResponse(out), EncodeResponse(in)) {
		t.Fatalf("base64 round trip changed bytes")
	}
}

func TestBase64RejectsTrailingBytes(t *testing.T) {
	testlog.Start(t)
	raw := append(EncodeResponse(ResponseFrame{Version: 26}), 0xFF)
	text := EncodeResponseBase64(ResponseFrame{Version: 26})
	if _, err := DecodeResponseBase64(text, DefaultLimits()); err != nil {
		t.Fatalf("clean frame rejected: %v", err)
	}
	if _, err := DecodeResponseBase64(encodeStd(raw), DefaultLimits()); !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
	if _, err := DecodeResponseBase64("!!not base64", DefaultLimits()); err == nil {
		t.Fatalf("expected base64 error")
	}
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }

func TestWriteDetectsShortWrite(t *testing.T) {
	testlog.Start(t)
	err := WriteCommand(shortWriter{}, []byte{1, 2, 3}, DefaultLimits())
	if !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("expected io.ErrShortWrite, got %v", err)
	}
}

func encodeStd(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
