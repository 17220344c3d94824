package ebpf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saworbit/ringbench/pkg/config"
)

func TestTarget(t *testing.T) {
	tp, err := Target("tracepoint")
	require.NoError(t, err)
	assert.Equal(t, ProgTracepoint, tp.Program)
	assert.Equal(t, "tracepoint syscalls/sys_enter_openat", tp.String())

	def, err := Target("")
	require.NoError(t, err)
	assert.Equal(t, tp, def)

	kp, err := Target("kprobe")
	require.NoError(t, err)
	assert.Equal(t, ProgKprobe, kp.Program)
	assert.Equal(t, "kprobe do_sys_openat2", kp.String())

	raw, err := Target("raw_tracepoint")
	require.NoError(t, err)
	assert.Equal(t, ProgRawTracepoint, raw.Program)

	_, err = Target("uprobe")
	assert.Error(t, err)
}

func TestAttachErrorUnwraps(t *testing.T) {
	tp, _ := Target("tracepoint")
	cause := errors.New("permission denied")
	err := error(&AttachError{Target: tp, Err: cause})

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "sys_enter_openat")
	assert.Contains(t, err.Error(), ProgTracepoint)

	var ae *AttachError
	assert.True(t, errors.As(err, &ae))
}

func TestNewSourceMissingObjectIsAttachError(t *testing.T) {
	cfg := config.DefaultConfig().EBPF
	cfg.ProgramPath = t.TempDir() + "/missing.bpf.o"

	src, err := NewSource(&cfg, nil)
	require.Error(t, err)
	assert.Nil(t, src)

	var ae *AttachError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "tracepoint", ae.Target.Kind)
}

func TestNewSourceRejectsUnknownAttach(t *testing.T) {
	cfg := config.DefaultConfig().EBPF
	cfg.Attach = "fentry"

	_, err := NewSource(&cfg, nil)
	var ae *AttachError
	require.ErrorAs(t, err, &ae)
}
