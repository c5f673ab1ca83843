package control

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/leptonai/gpuprof/pkg/errdefs"
)

const (
	KeyScissor      = "experiment/scissor"
	KeyTexture2x2   = "experiment/texture_2x2"
	KeySimpleShader = "experiment/simple_shader"
	KeyDisableDraw  = "experiment/disable_draw"
)

// Flags is a consistent snapshot of the experiment switches, read by
// the draw-call hook.
type Flags struct {
	// Scissor restricts rasterization to a 1x1 rectangle.
	Scissor bool `json:"scissor"`
	// Texture2x2 replaces bound textures with a 2x2 texture.
	Texture2x2 bool `json:"texture_2x2"`
	// SimpleShader replaces the fragment shader with a constant color.
	SimpleShader bool `json:"simple_shader"`
	// DisableDraw drops draw calls entirely.
	DisableDraw bool `json:"disable_draw"`
}

// BoolControl is a boolean switch.
type BoolControl struct {
	name string
	v    atomic.Bool
}

func NewBoolControl(name string) *BoolControl {
	return &BoolControl{name: name}
}

func (b *BoolControl) Name() string { return b.name }

func (b *BoolControl) Value() string { return strconv.FormatBool(b.v.Load()) }

func (b *BoolControl) Set(value string) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("control %q expects a boolean, got %q: %w", b.name, value, errdefs.ErrInvalidArgument)
	}
	b.v.Store(v)
	return nil
}

func (b *BoolControl) Enabled() bool { return b.v.Load() }

// Experiments are the switches an observer flips to find out what a
// frame is bound by.
type Experiments struct {
	scissor      *BoolControl
	texture2x2   *BoolControl
	simpleShader *BoolControl
	disableDraw  *BoolControl
}

func NewExperiments() *Experiments {
	return &Experiments{
		scissor:      NewBoolControl(KeyScissor),
		texture2x2:   NewBoolControl(KeyTexture2x2),
		simpleShader: NewBoolControl(KeySimpleShader),
		disableDraw:  NewBoolControl(KeyDisableDraw),
	}
}

func (e *Experiments) Controls() []Control {
	return []Control{e.scissor, e.texture2x2, e.simpleShader, e.disableDraw}
}

func (e *Experiments) Snapshot() Flags {
	return Flags{
		Scissor:      e.scissor.Enabled(),
		Texture2x2:   e.texture2x2.Enabled(),
		SimpleShader: e.simpleShader.Enabled(),
		DisableDraw:  e.disableDraw.Enabled(),
	}
}
