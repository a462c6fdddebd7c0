// Package message owns the viewer->target command set.
//
// Every command payload starts with u16 application id and u16 type, written
// by Encode before the variant fields, and is wrapped in a command frame.
package message

import (
	"errors"
	"fmt"

	"github.com/danmuck/capturectl/internal/protocol/frame"
	"github.com/danmuck/capturectl/internal/protocol/wire"
)

// DefaultApplicationID is the id used when a target does not advertise one.
const DefaultApplicationID uint16 = 0xB50F

var (
	ErrUnknownType    = errors.New("message: unknown message type")
	ErrNilMessage     = errors.New("message: nil message")
	ErrInvalidPayload = errors.New("message: invalid payload")
)

// Type is the u16 command discriminant.
type Type uint16

const (
	TypeStart Type = iota
	TypeStop
	TypeCancel
	TypeTurnSampling
)

func (t Type) String() string {
	switch t {
	case TypeStart:
		return "Start"
	case TypeStop:
		return "Stop"
	case TypeCancel:
		return "Cancel"
	case TypeTurnSampling:
		return "TurnSampling"
	default:
		return fmt.Sprintf("Type(%d)", uint16(t))
	}
}

// Message is one outbound command. Write emits only the variant fields.
type Message interface {
	ApplicationID() uint16
	Type() Type
	Write(w *wire.Writer)
}

// Start begins a capture with the given settings. Password may be empty.
type Start struct {
	AppID    uint16
	Settings CaptureSettings
	Password string
}

func (m Start) ApplicationID() uint16 { return m.AppID }
func (m Start) Type() Type            { return TypeStart }

func (m Start) Write(w *wire.Writer) {
	m.Settings.Write(w)
	w.String(m.Password)
}

// Stop ends the capture and asks the target to flush what it recorded.
type Stop struct {
	AppID uint16
}

func (m Stop) ApplicationID() uint16 { return m.AppID }
func (m Stop) Type() Type            { return TypeStop }
func (m Stop) Write(*wire.Writer)    {}

// Cancel ends the capture and discards recorded data.
type Cancel struct {
	AppID uint16
}

func (m Cancel) ApplicationID() uint16 { return m.AppID }
func (m Cancel) Type() Type            { return TypeCancel }
func (m Cancel) Write(*wire.Writer)    {}

// TurnSampling toggles sampling for one event description.
type TurnSampling struct {
	AppID   uint16
	EventID uint32
	Enabled bool
}

func (m TurnSampling) ApplicationID() uint16 { return m.AppID }
func (m TurnSampling) Type() Type            { return TypeTurnSampling }

func (m TurnSampling) Write(w *wire.Writer) {
	w.Uint32(m.EventID)
	w.Bool(m.Enabled)
}

// Payload returns the command payload: preamble then variant fields.
func Payload(m Message) ([]byte, error) {
	if m == nil {
		return nil, ErrNilMessage
	}
	if s, ok := m.(Start); ok {
		if err := s.Settings.Validate(); err != nil {
			return nil, err
		}
	}
	w := wire.NewWriter()
	writeHeader(w, m.ApplicationID(), m.Type())
	m.Write(w)
	return w.Bytes(), nil
}

// Encode returns the full command frame bytes for m.
func Encode(m Message) ([]byte, error) {
	payload, err := Payload(m)
	if err != nil {
		return nil, err
	}
	return frame.EncodeCommand(payload), nil
}

func writeHeader(w *wire.Writer, appID uint16, t Type) {
	w.Uint16(appID)
	w.Uint16(uint16(t))
}

// Decode parses a command payload back into its variant. The target side of
// the protocol (and test fakes) use this; the viewer only encodes.
func Decode(payload []byte) (Message, error) {
	r := wire.NewReader(payload)
	appID, err := r.Uint16()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	raw, err := r.Uint16()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var m Message
	switch t := Type(raw); t {
	case TypeStart:
		settings, err := ReadCaptureSettings(r)
		if err != nil {
			return nil, fmt.Errorf("%w: start settings: %v", ErrInvalidPayload, err)
		}
		password, err := r.String()
		if err != nil {
			return nil, fmt.Errorf("%w: start password: %v", ErrInvalidPayload, err)
		}
		m = Start{AppID: appID, Settings: settings, Password: password}
	case TypeStop:
		m = Stop{AppID: appID}
	case TypeCancel:
		m = Cancel{AppID: appID}
	case TypeTurnSampling:
		id, err := r.Uint32()
		if err != nil {
			return nil, fmt.Errorf("%w: turn sampling id: %v", ErrInvalidPayload, err)
		}
		on, err := r.Bool()
		if err != nil {
			return nil, fmt.Errorf("%w: turn sampling flag: %v", ErrInvalidPayload, err)
		}
		m = TurnSampling{AppID: appID, EventID: id, Enabled: on}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if !r.EOF() {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrInvalidPayload, r.Remaining(), m.Type())
	}
	return m, nil
}
