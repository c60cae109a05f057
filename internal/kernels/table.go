// Package kernels declares the built-in transitions and runs them through a
// dispatcher.
package kernels

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/fxnlabs/gpufx/internal/dispatch"
	"github.com/fxnlabs/gpufx/internal/gpu"
	"github.com/fxnlabs/gpufx/internal/shaders"
)

// ParamsDescriptor names the user parameter type a kernel expects.
type ParamsDescriptor struct {
	Type reflect.Type
	Size int
}

func describe[P Params]() ParamsDescriptor {
	var zero P
	return ParamsDescriptor{Type: reflect.TypeOf((*P)(nil)).Elem(), Size: len(zero.Bytes())}
}

// Kernel is one row of the table. Name selects the embedded source file and
// Entry the symbol inside it.
type Kernel struct {
	Name        string
	Entry       string
	Description string
	Params      ParamsDescriptor
	// Defaults is the parameter block used when a caller has none.
	Defaults Params
}

var table = map[string]Kernel{
	"crossfade": {
		Name: "crossfade", Entry: "crossfade",
		Description: "blend outgoing into incoming",
		Params:      describe[CrossfadeParams](),
		Defaults:    CrossfadeParams{Curve: 1},
	},
	"wipe": {
		Name: "wipe", Entry: "wipe",
		Description: "soft edge sweeping across the frame",
		Params:      describe[WipeParams](),
		Defaults:    WipeParams{Feather: 0.1},
	},
	"dip_to_color": {
		Name: "dip_to_color", Entry: "dip_to_color",
		Description: "fade through a solid color",
		Params:      describe[DipParams](),
		Defaults:    DipParams{Color: [4]float32{0, 0, 0, 1}},
	},
	"push": {
		Name: "push", Entry: "push",
		Description: "incoming pushes outgoing off frame",
		Params:      describe[PushParams](),
		Defaults:    PushParams{DirX: 1},
	},
}

// Lookup returns the table entry for name.
func Lookup(name string) (Kernel, error) {
	k, ok := table[name]
	if !ok {
		return Kernel{}, fmt.Errorf("%w: %q", gpu.ErrUnknownKernel, name)
	}
	return k, nil
}

// List returns every kernel sorted by name.
func List() []Kernel {
	ks := make([]Kernel, 0, len(table))
	for _, k := range table {
		ks = append(ks, k)
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i].Name < ks[j].Name })
	return ks
}

// Source returns the embedded source of k for dialect.
func (k Kernel) Source(dialect gpu.Dialect) (string, error) {
	return shaders.Source(k.Name, dialect)
}

// Run dispatches the kernel called name with typed user parameters.
func Run[P Params](ctx context.Context, d *dispatch.Dispatcher, name string, cfg dispatch.Configuration, params P) (dispatch.Report, error) {
	k, err := Lookup(name)
	if err != nil {
		return dispatch.Report{}, err
	}
	if got := reflect.TypeOf((*P)(nil)).Elem(); got != k.Params.Type {
		return dispatch.Report{}, fmt.Errorf("kernel %s takes %s, got %s", name, k.Params.Type, got)
	}
	src, err := k.Source(d.Dialect())
	if err != nil {
		return dispatch.Report{}, fmt.Errorf("kernel %s: %w", name, err)
	}
	return d.Dispatch(ctx, cfg, params.Bytes(), src, k.Entry)
}

// RunBytes dispatches name with an already encoded parameter block. The
// length must match the kernel's parameter layout.
func RunBytes(ctx context.Context, d *dispatch.Dispatcher, name string, cfg dispatch.Configuration, params []byte) (dispatch.Report, error) {
	k, err := Lookup(name)
	if err != nil {
		return dispatch.Report{}, err
	}
	if len(params) != k.Params.Size {
		return dispatch.Report{}, fmt.Errorf("kernel %s takes %d parameter bytes, got %d", name, k.Params.Size, len(params))
	}
	src, err := k.Source(d.Dialect())
	if err != nil {
		return dispatch.Report{}, fmt.Errorf("kernel %s: %w", name, err)
	}
	return d.Dispatch(ctx, cfg, params, src, k.Entry)
}

func Crossfade(ctx context.Context, d *dispatch.Dispatcher, cfg dispatch.Configuration, p CrossfadeParams) (dispatch.Report, error) {
	return Run(ctx, d, "crossfade", cfg, p)
}

func Wipe(ctx context.Context, d *dispatch.Dispatcher, cfg dispatch.Configuration, p WipeParams) (dispatch.Report, error) {
	return Run(ctx, d, "wipe", cfg, p)
}

func DipToColor(ctx context.Context, d *dispatch.Dispatcher, cfg dispatch.Configuration, p DipParams) (dispatch.Report, error) {
	return Run(ctx, d, "dip_to_color", cfg, p)
}

func Push(ctx context.Context, d *dispatch.Dispatcher, cfg dispatch.Configuration, p PushParams) (dispatch.Report, error) {
	return Run(ctx, d, "push", cfg, p)
}
