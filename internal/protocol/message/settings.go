package message

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/danmuck/capturectl/internal/protocol/wire"
)

var (
	ErrEmptyMode   = errors.New("message: capture mode is empty")
	ErrUnknownMode = errors.New("message: unknown capture mode")
)

// Mode selects what the target records during a capture.
type Mode uint32

const (
	ModeCPU            Mode = 1 << 0
	ModeGPU            Mode = 1 << 1
	ModeCallstacks     Mode = 1 << 2
	ModeTags           Mode = 1 << 3
	ModeAutoSampling   Mode = 1 << 4
	ModeSwitchContext  Mode = 1 << 5
	ModeIO             Mode = 1 << 6
	ModeSysCalls       Mode = 1 << 7
	ModeOtherProcesses Mode = 1 << 8

	ModeDefault = ModeCPU | ModeTags | ModeCallstacks | ModeAutoSampling | ModeSwitchContext | ModeSysCalls
)

var modeNames = map[string]Mode{
	"cpu":             ModeCPU,
	"gpu":             ModeGPU,
	"callstacks":      ModeCallstacks,
	"tags":            ModeTags,
	"auto_sampling":   ModeAutoSampling,
	"switch_context":  ModeSwitchContext,
	"io":              ModeIO,
	"syscalls":        ModeSysCalls,
	"other_processes": ModeOtherProcesses,
	"default":         ModeDefault,
}

// ParseMode folds a list of mode names into one mask.
func ParseMode(names []string) (Mode, error) {
	var m Mode
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		bit, ok := modeNames[name]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownMode, raw)
		}
		m |= bit
	}
	return m, nil
}

func (m Mode) Has(flag Mode) bool {
	return m&flag == flag
}

func (m Mode) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for name, bit := range modeNames {
		if name == "default" {
			continue
		}
		if m.Has(bit) {
			parts = append(parts, name)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// CaptureSettings is sent inside Start and tells the target what to record
// and when to stop on its own. Zero limits mean unlimited.
type CaptureSettings struct {
	Mode                Mode
	CategoryMask        uint64
	SamplingFrequencyHz uint32
	FrameLimit          uint32
	TimeLimitUs         uint32
	SpikeLimitUs        uint32
	MemoryLimitMb       uint64
}

func DefaultCaptureSettings() CaptureSettings {
	return CaptureSettings{
		Mode:                ModeDefault,
		CategoryMask:        math.MaxUint64,
		SamplingFrequencyHz: 1000,
	}
}

func (s CaptureSettings) Validate() error {
	if s.Mode == 0 {
		return ErrEmptyMode
	}
	return nil
}

// Write emits the settings block in its fixed wire order.
func (s CaptureSettings) Write(w *wire.Writer) {
	w.Uint32(uint32(s.Mode))
	w.Uint64(s.CategoryMask)
	w.Uint32(s.SamplingFrequencyHz)
	w.Uint32(s.FrameLimit)
	w.Uint32(s.TimeLimitUs)
	w.Uint32(s.SpikeLimitUs)
	w.Uint64(s.MemoryLimitMb)
}

// ReadCaptureSettings is the inverse of Write; the fake target in tests and
// the inspect command use it.
func ReadCaptureSettings(r *wire.Reader) (CaptureSettings, error) {
	var s CaptureSettings
	mode, err := r.Uint32()
	if err != nil {
		return CaptureSettings{}, err
	}
	s.Mode = Mode(mode)
	if s.CategoryMask, err = r.Uint64(); err != nil {
		return CaptureSettings{}, err
	}
	if s.SamplingFrequencyHz, err = r.Uint32(); err != nil {
		return CaptureSettings{}, err
	}
	if s.FrameLimit, err = r.Uint32(); err != nil {
		return CaptureSettings{}, err
	}
	if s.TimeLimitUs, err = r.Uint32(); err != nil {
		return CaptureSettings{}, err
	}
	if s.SpikeLimitUs, err = r.Uint32(); err != nil {
		return CaptureSettings{}, err
	}
	if s.MemoryLimitMb, err = r.Uint64(); err != nil {
		return CaptureSettings{}, err
	}
	return s, nil
}
