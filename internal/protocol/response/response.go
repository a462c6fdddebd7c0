// Package response classifies target->viewer frames into DataResponse values.
//
// The package knows the response type enumeration and the common header. It
// does not know payload schemas; those belong to whoever consumes a given
// type and can branch on DataResponse.Version.
package response

import (
	"fmt"
	"io"
	"net"

	"github.com/danmuck/capturectl/internal/protocol/frame"
	"github.com/danmuck/capturectl/internal/protocol/wire"
)

// Type is the u16 response discriminant.
type Type uint16

const (
	FrameDescriptionBoard     Type = 0
	EventFrame                Type = 1
	SamplingFrame             Type = 2
	NullFrame                 Type = 3
	ReportProgress            Type = 4
	Handshake                 Type = 5
	Reserved0                 Type = 6
	SynchronizationData       Type = 7
	TagsPack                  Type = 8
	CallstackDescriptionBoard Type = 9
	CallstackPack             Type = 10
	Reserved1                 Type = 11
	Reserved2                 Type = 12
	Reserved3                 Type = 13
	Reserved4                 Type = 14
	Reserved5                 Type = 15
	Reserved6                 Type = 16
	Reserved7                 Type = 17
	Reserved8                 Type = 18
	Reserved9                 Type = 19

	FiberSynchronizationData Type = 1 << 8
	SyscallPack              Type = FiberSynchronizationData + 1
	SummaryPack              Type = FiberSynchronizationData + 2
	FramesPack               Type = FiberSynchronizationData + 3
)

var typeNames = map[Type]string{
	FrameDescriptionBoard:     "FrameDescriptionBoard",
	EventFrame:                "EventFrame",
	SamplingFrame:             "SamplingFrame",
	NullFrame:                 "NullFrame",
	ReportProgress:            "ReportProgress",
	Handshake:                 "Handshake",
	SynchronizationData:       "SynchronizationData",
	TagsPack:                  "TagsPack",
	CallstackDescriptionBoard: "CallstackDescriptionBoard",
	CallstackPack:             "CallstackPack",
	FiberSynchronizationData:  "FiberSynchronizationData",
	SyscallPack:               "SyscallPack",
	SummaryPack:               "SummaryPack",
	FramesPack:                "FramesPack",
}

// Known reports whether t has a payload schema some consumer understands.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Reserved reports whether t is a slot kept for newer producers.
func (t Type) Reserved() bool {
	return t == Reserved0 || (t >= Reserved1 && t <= Reserved9)
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	if t == Reserved0 {
		return "Reserved0"
	}
	if t >= Reserved1 && t <= Reserved9 {
		return fmt.Sprintf("Reserved%d", int(t-Reserved1)+1)
	}
	return fmt.Sprintf("Unknown(%d)", uint16(t))
}

// DataResponse is one decoded frame. Payload holds exactly the bytes the
// header declared; Reader never reads beyond them.
type DataResponse struct {
	ApplicationID uint16
	Type          Type
	Version       uint32
	Payload       []byte
	// Source is the peer the frame arrived from; nil for files and base64.
	Source net.Addr
}

// Classify turns a frame into a DataResponse. It never fails: unknown and
// reserved tags are kept as-is with their payload untouched.
func Classify(f frame.ResponseFrame, src net.Addr) DataResponse {
	return DataResponse{
		ApplicationID: f.ApplicationID,
		Type:          Type(f.Type),
		Version:       f.Version,
		Payload:       f.Payload,
		Source:        src,
	}
}

// Opaque reports whether the viewer has no schema for this response and
// must skip the payload.
func (d DataResponse) Opaque() bool {
	return !d.Type.Known()
}

// Reader returns a fresh positioned reader over the payload bytes.
func (d DataResponse) Reader() *wire.Reader {
	return wire.NewReader(d.Payload[:len(d.Payload):len(d.Payload)])
}

// Frame returns the frame this response was decoded from.
func (d DataResponse) Frame() frame.ResponseFrame {
	return frame.ResponseFrame{
		Version:       d.Version,
		Type:          uint16(d.Type),
		ApplicationID: d.ApplicationID,
		Payload:       d.Payload,
	}
}

// Encode returns the original wire bytes.
func (d DataResponse) Encode() []byte {
	return frame.EncodeResponse(d.Frame())
}

func (d DataResponse) ToBase64() string {
	return frame.EncodeResponseBase64(d.Frame())
}

func (d DataResponse) String() string {
	src := "-"
	if d.Source != nil {
		src = d.Source.String()
	}
	return fmt.Sprintf("%s app=0x%04X v=%d len=%d src=%s", d.Type, d.ApplicationID, d.Version, len(d.Payload), src)
}

// Read pulls one frame from r and classifies it.
func Read(r io.Reader, limits frame.Limits, src net.Addr) (DataResponse, error) {
	f, err := frame.ReadResponse(r, limits)
	if err != nil {
		return DataResponse{}, err
	}
	return Classify(f, src), nil
}

// FromBase64 decodes a single out-of-band frame.
func FromBase64(s string, limits frame.Limits) (DataResponse, error) {
	f, err := frame.DecodeResponseBase64(s, limits)
	if err != nil {
		return DataResponse{}, err
	}
	return Classify(f, nil), nil
}
