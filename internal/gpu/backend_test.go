package gpu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLaunchValidate(t *testing.T) {
	args := make([]Arg, ArgumentSlots)
	valid := Launch{Device: 1, Queue: 1, Kernel: 1, Grid: Dim{1, 1}, Block: Dim{16, 16}, Args: args}

	tests := []struct {
		name   string
		mutate func(*Launch)
		want   error
	}{
		{name: "valid", mutate: func(*Launch) {}},
		{name: "missing device", mutate: func(l *Launch) { l.Device = 0 }, want: ErrInvalidHandle},
		{name: "missing queue", mutate: func(l *Launch) { l.Queue = 0 }, want: ErrInvalidHandle},
		{name: "missing kernel", mutate: func(l *Launch) { l.Kernel = 0 }, want: ErrInvalidHandle},
		{name: "four slots", mutate: func(l *Launch) { l.Args = args[:4] }, want: ErrDispatch},
		{name: "empty grid", mutate: func(l *Launch) { l.Grid = Dim{0, 1} }, want: ErrDispatch},
		{name: "empty block", mutate: func(l *Launch) { l.Block = Dim{16, 0} }, want: ErrDispatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := valid
			tt.mutate(&l)
			err := l.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPrecisionAndDialect(t *testing.T) {
	assert.Equal(t, PrecisionHalf, PrecisionFor(true))
	assert.Equal(t, PrecisionFull, PrecisionFor(false))
	assert.Equal(t, "f16", PrecisionHalf.String())
	assert.Equal(t, "f32", PrecisionFull.String())
	assert.Equal(t, ".metal", DialectMetal.Ext())
	assert.Equal(t, ".wgsl", DialectWGSL.Ext())
	assert.Equal(t, "", Dialect("glsl").Ext())
}

func TestArg(t *testing.T) {
	assert.True(t, BufferArg(3).IsBuffer())
	assert.False(t, ValueArg([]byte{1}).IsBuffer())
	assert.False(t, ValueArg([]byte{}).IsBuffer())
}

func TestHandleTable(t *testing.T) {
	table := NewHandleTable[string]()
	a := table.Put("a")
	b := table.Put("b")
	assert.NotZero(t, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, table.Len())

	v, ok := table.Get(a)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = table.Take(a)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	_, ok = table.Take(a)
	assert.False(t, ok)
	assert.Equal(t, 1, table.Len())
}

func TestCompileErrorKinds(t *testing.T) {
	cause := errors.New("nvrtc: bad token")
	err := &CompileError{Entry: "wipe", Precision: PrecisionHalf, Diagnostic: "line 3", Err: cause}
	assert.ErrorIs(t, err, ErrCompile)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "wipe (f16)")

	staged := &StageError{Stage: StageLaunch, Err: err}
	assert.ErrorIs(t, staged, ErrCompile)
	assert.Contains(t, staged.Error(), "dispatch launch")
}

func TestHandleStrings(t *testing.T) {
	assert.Equal(t, "device(0x10)", DeviceID(16).String())
	assert.Equal(t, "buffer(0x1)", BufferID(1).String())
	assert.True(t, KernelID(0).IsZero())
}
