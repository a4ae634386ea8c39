package main

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlie0129/rtcal/pkg/batch"
	"github.com/charlie0129/rtcal/pkg/calibration"
	"github.com/charlie0129/rtcal/pkg/engine"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{usageError(errors.New("bad flag")), exitUsage},
		{pkgerrors.Wrap(engine.ErrUnsupportedInput, "a.xyz"), exitUnsupported},
		{pkgerrors.Wrapf(engine.ErrProfileNotFound, "neutral"), exitNoProfile},
		{calibration.ErrDivergentSearch, exitProcessing},
		{pkgerrors.Wrap(engine.ErrPersist, "out.jpg"), exitProcessing},
		{pkgerrors.Wrapf(batch.ErrFilesFailed, "%d of %d files failed", 1, 2), exitProcessing},
		{errors.New("daemon not running"), exitUsage},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestCalibrationRequest(t *testing.T) {
	f := &calibrationFlags{maxIterations: 7, format: "tif", bits: 16}
	req, err := f.request([]string{"in.png", "out.tif", "10", "20", "55.5"})
	require.NoError(t, err)
	assert.Equal(t, calibration.Request{
		Input:         "in.png",
		Output:        "out.tif",
		X:             10,
		Y:             20,
		MinL:          55.5,
		MaxIterations: 7,
		Format:        "tif",
		Bits:          16,
	}, req)

	for _, args := range [][]string{
		{"in.png", "out.jpg", "x", "20", "50"},
		{"in.png", "out.jpg", "10", "20", "fifty"},
		{"in.png", "out.jpg", "10", "20", "150"},
		{"in.png", "out.jpg", "-1", "20", "50"},
	} {
		_, err := (&calibrationFlags{}).request(args)
		assert.ErrorIs(t, err, errUsage, args)
	}
}

func TestBatchRequest(t *testing.T) {
	newCmd := func(args ...string) *cobra.Command {
		cmd := NewBatchCommand()
		require.NoError(t, cmd.ParseFlags(args))
		return cmd
	}

	cmd := newCmd("-p", "a", "-p", "b", "-s")
	f := &batchFlags{profiles: []string{"a", "b"}, sidecar: true}
	req, err := f.request(cmd, []string{"dir"})
	require.NoError(t, err)
	assert.Equal(t, batch.SidecarOptional, req.Sidecar)
	assert.Equal(t, 2, req.SidecarPosition)

	cmd = newCmd("--sidecar-pos", "1")
	f = &batchFlags{profiles: []string{"a", "b"}, sidecarRequired: true, sidecarPosition: 1}
	req, err = f.request(cmd, []string{"dir"})
	require.NoError(t, err)
	assert.Equal(t, batch.SidecarRequired, req.Sidecar)
	assert.Equal(t, 1, req.SidecarPosition)

	cmd = newCmd()
	_, err = (&batchFlags{sidecar: true, sidecarRequired: true}).request(cmd, []string{"dir"})
	assert.ErrorIs(t, err, errUsage)
}

func TestBatchCommand(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	out := filepath.Join(dir, "out") + string(filepath.Separator)
	require.NoError(t, os.MkdirAll(in, 0755))
	require.NoError(t, imaging.Save(imaging.New(16, 12, color.NRGBA{R: 120, G: 120, B: 120, A: 255}), filepath.Join(in, "a.png")))
	require.NoError(t, os.WriteFile(filepath.Join(in, "b.png"), []byte("not a png"), 0644))

	run := func(args ...string) error {
		cmd := NewCommand()
		cmd.SetArgs(append([]string{"--config", filepath.Join(dir, "rtcal.json"), "batch"}, args...))
		cmd.SetOut(os.Stderr)
		cmd.SetErr(os.Stderr)
		return cmd.Execute()
	}

	err := run("-o", out, "-f", "png", in)
	require.Error(t, err)
	assert.Equal(t, exitProcessing, exitCode(err))
	assert.FileExists(t, filepath.Join(out, "a.png"))

	err = run("-o", out, "-p", "missing", in)
	assert.Equal(t, exitNoProfile, exitCode(err))

	err = run("-f", "bmp", in)
	assert.Equal(t, exitUsage, exitCode(err))

	err = run()
	assert.Equal(t, exitUsage, exitCode(err))
}
