package main

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saworbit/ringbench/pkg/ebpf"
	"github.com/saworbit/ringbench/pkg/results"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRunZeroDurationWritesEmptyResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ringbuf_result.json")

	out, err := execute(t, "run", "-d", "0", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Results saved to: "+path)

	res, err := results.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Ring Buffer Throughput", res.Name)
	assert.Equal(t, "ring_buffer", res.DataMechanism)
	assert.Equal(t, "tracepoint", res.ProgramType)
	assert.Zero(t, res.EventCount)
	assert.Zero(t, res.Throughput)
	assert.Empty(t, res.CPUIDs)
	assert.NotNil(t, res.CPUIDs)
	assert.Empty(t, res.Errors)
}

func TestRunRecordsHistory(t *testing.T) {
	dir := t.TempDir()
	hist := filepath.Join(dir, "history")

	out, err := execute(t, "run", "-d", "0", "--attach", "kprobe", "-o", filepath.Join(dir, "r.json"), "--history", hist)
	require.NoError(t, err)
	assert.Contains(t, out, "Recorded run")

	out, err = execute(t, "history", "--history", hist)
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "ring_buffer/kprobe")

	h, err := results.OpenHistory(hist)
	require.NoError(t, err)
	entries, err := h.List(0)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.Len(t, entries, 1)

	out, err = execute(t, "history", "show", "--history", hist, entries[0].ID[:12])
	require.NoError(t, err)
	assert.Contains(t, out, "Run "+entries[0].ID)
	assert.Contains(t, out, "Ring Buffer Throughput")

	_, err = execute(t, "history", "show", "--history", hist, "missing")
	assert.ErrorIs(t, err, results.ErrNotFound)
}

func TestHistoryRequiresDir(t *testing.T) {
	t.Setenv("RINGBENCH_HISTORY_DIR", "")
	_, err := execute(t, "history")
	assert.Error(t, err)
}

func TestReportPrintsSavedResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.json")
	_, err := execute(t, "run", "-d", "0", "-o", path)
	require.NoError(t, err)

	out, err := execute(t, "report", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Ring Buffer Throughput")

	_, err = execute(t, "report", "-o", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRunRejectsInvalidFlags(t *testing.T) {
	out := filepath.Join(t.TempDir(), "r.json")

	_, err := execute(t, "run", "-d", "0", "-o", out, "--source", "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid source")

	_, err = execute(t, "run", "--duration=-1", "-o", out)
	assert.Error(t, err)

	_, err = execute(t, "run", "-d", "0", "-o", out, "--capacity", "1000")
	assert.Error(t, err)
}

func TestRunUnwritableOutputIsPersistError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	_, err := execute(t, "run", "-d", "0", "-o", blocker)
	require.NoError(t, err)

	_, err = execute(t, "run", "-d", "0", "-o", filepath.Join(blocker, "r.json"))
	require.Error(t, err)
	assert.Equal(t, 4, exitCode(err))
}

func TestExitCode(t *testing.T) {
	attach := &ebpf.AttachError{Target: ebpf.AttachTarget{Kind: "kprobe"}, Err: ebpf.ErrUnsupported}
	persist := &results.PersistError{Path: "/x", Err: errors.New("disk full")}

	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 3, exitCode(attach))
	assert.Equal(t, 3, exitCode(fmt.Errorf("wrapped: %w", attach)))
	assert.Equal(t, 4, exitCode(persist))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}
