package response

import (
	"errors"
	"fmt"

	"github.com/danmuck/capturectl/internal/protocol/wire"
)

var ErrWrongType = errors.New("response: wrong response type")

// Progress is the payload of a ReportProgress response.
type Progress struct {
	Stage   uint32
	Message string
}

// HandshakeInfo is the payload of a Handshake response.
type HandshakeInfo struct {
	Status  uint32
	Version string
}

func ParseReportProgress(d DataResponse) (Progress, error) {
	if d.Type != ReportProgress {
		return Progress{}, fmt.Errorf("%w: %s", ErrWrongType, d.Type)
	}
	r := d.Reader()
	stage, err := r.Uint32()
	if err != nil {
		return Progress{}, err
	}
	msg, err := r.String()
	if err != nil {
		return Progress{}, err
	}
	return Progress{Stage: stage, Message: msg}, nil
}

func ParseHandshake(d DataResponse) (HandshakeInfo, error) {
	if d.Type != Handshake {
		return HandshakeInfo{}, fmt.Errorf("%w: %s", ErrWrongType, d.Type)
	}
	r := d.Reader()
	status, err := r.Uint32()
	if err != nil {
		return HandshakeInfo{}, err
	}
	info := HandshakeInfo{Status: status}
	// Older targets send the status word only.
	if r.EOF() {
		return info, nil
	}
	if info.Version, err = r.String(); err != nil {
		return HandshakeInfo{}, err
	}
	return info, nil
}

// EncodeReportProgress builds a ReportProgress payload.
func EncodeReportProgress(p Progress) []byte {
	w := wire.NewWriter()
	w.Uint32(p.Stage)
	w.String(p.Message)
	return w.Bytes()
}

// EncodeHandshake builds a Handshake payload.
func EncodeHandshake(h HandshakeInfo) []byte {
	w := wire.NewWriter()
	w.Uint32(h.Status)
	w.String(h.Version)
	return w.Bytes()
}
