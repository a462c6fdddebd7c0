package dump

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/capturectl/internal/protocol/frame"
	"github.com/danmuck/capturectl/internal/protocol/response"
	"github.com/danmuck/capturectl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func sample() []response.DataResponse {
	return []response.DataResponse{
		response.Classify(frame.ResponseFrame{Version: frame.ProtocolVersion, Type: uint16(response.Handshake), ApplicationID: 1, Payload: []byte{1, 0, 0, 0}}, nil),
		response.Classify(frame.ResponseFrame{Version: frame.ProtocolVersion, Type: uint16(response.EventFrame), ApplicationID: 1, Payload: bytes.Repeat([]byte{7}, 300)}, nil),
		response.Classify(frame.ResponseFrame{Version: frame.ProtocolVersion, Type: 999, ApplicationID: 2}, nil),
	}
}

func collect(t *testing.T, src Source) []response.DataResponse {
	t.Helper()
	var out []response.DataResponse
	require.NoError(t, Walk(src, func(d response.DataResponse) error {
		out = append(out, d)
		return nil
	}))
	return out
}

func TestRawDumpRoundTrip(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "capture.bin")
	w, err := Create(path)
	require.NoError(t, err)
	for _, d := range sample() {
		require.NoError(t, w.Handle(d))
	}
	require.Equal(t, 3, w.Stats().Frames)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var want []byte
	for _, d := range sample() {
		want = append(want, d.Encode()...)
	}
	require.Equal(t, want, raw, "dump must equal the wire stream")
	require.Equal(t, int64(len(want)), w.Stats().Bytes)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	got := collect(t, NewReader(f, frame.DefaultLimits()))
	require.Len(t, got, 3)
	for i, d := range sample() {
		require.Equal(t, d.Encode(), got[i].Encode())
	}
	require.Equal(t, "Unknown(999)", got[2].Type.String())
}

func TestRawDumpTruncatedTail(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, d := range sample() {
		require.NoError(t, w.Handle(d))
	}
	require.NoError(t, w.Flush())
	raw := buf.Bytes()[:buf.Len()-1]

	r := NewReader(bytes.NewReader(raw), frame.DefaultLimits())
	_, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.ErrorIs(t, err, frame.ErrTruncatedFrame)
	require.False(t, errors.Is(err, io.EOF))
}

func TestEmptyDump(t *testing.T) {
	testlog.Start(t)
	_, err := NewReader(bytes.NewReader(nil), frame.DefaultLimits()).Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestBase64DumpRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	w := NewBase64Writer(&buf)
	for _, d := range sample() {
		require.NoError(t, w.Handle(d))
	}
	require.NoError(t, w.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, sample()[0].ToBase64(), lines[0])

	got := collect(t, NewBase64Reader(strings.NewReader("\n"+buf.String()+"\n\n"), frame.DefaultLimits()))
	require.Len(t, got, 3)
	require.Equal(t, sample()[1].Payload, got[1].Payload)
}

func TestBase64DumpReportsLine(t *testing.T) {
	testlog.Start(t)
	text := sample()[0].ToBase64() + "\n!!not-base64!!\n"
	r := NewBase64Reader(strings.NewReader(text), frame.DefaultLimits())
	_, err := r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 2")
}

func TestWalkStopsOnCallbackError(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, d := range sample() {
		require.NoError(t, w.Handle(d))
	}
	require.NoError(t, w.Flush())

	stop := errors.New("stop")
	seen := 0
	err := Walk(NewReader(&buf, frame.DefaultLimits()), func(response.DataResponse) error {
		seen++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, seen)
}
