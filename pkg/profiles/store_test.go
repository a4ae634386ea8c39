package profiles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/params"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bright.pp3"), "exposure:\n  compensation: 1\n")
	writeFile(t, filepath.Join(dir, "warm.pp3"), "whiteBalance:\n  method: Custom\n  temperature: 4000\n  green: 1\n")
	writeFile(t, filepath.Join(dir, "portrait.pp3"), "coarse:\n  rotate: 90\n")
	return NewStore(dir, "pp3", nil)
}

func merged(t *testing.T, pps []*params.PartialProfile) *params.RenderParameters {
	t.Helper()
	p, err := params.Merge(params.Defaults(), pps...)
	require.NoError(t, err)
	return p
}

func TestLoad(t *testing.T) {
	s := newTestStore(t)

	pp, err := s.Load("bright")
	require.NoError(t, err)
	assert.Equal(t, 1.0, merged(t, []*params.PartialProfile{pp}).Exposure.Compensation)

	pp, err = s.Load(filepath.Join(s.Dir(), "warm.pp3"))
	require.NoError(t, err)
	assert.Equal(t, 4000.0, merged(t, []*params.PartialProfile{pp}).WhiteBalance.Temperature)

	_, err = s.Load("missing")
	assert.ErrorIs(t, err, engine.ErrProfileNotFound)
	assert.ErrorIs(t, s.Check("missing"), engine.ErrProfileNotFound)
	assert.NoError(t, s.Check("internal"))
	assert.NoError(t, s.Check("DYNAMIC"))

	pp, err = s.Load("Internal")
	require.NoError(t, err)
	assert.Equal(t, params.Defaults(), merged(t, []*params.PartialProfile{pp}))

	_, err = s.Load("Dynamic")
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	s := NewStore("/profiles", ".pp3", nil)
	assert.Equal(t, "/profiles/neutral.pp3", s.Path("neutral"))
	assert.Equal(t, "neutral.pp3", s.Path("neutral.pp3"))
	assert.Equal(t, "/elsewhere/p", s.Path("/elsewhere/p"))
}

func TestResolveDynamic(t *testing.T) {
	s := newTestStore(t)
	writeFile(t, filepath.Join(s.Dir(), RulesFile), `rules:
  - name: everything raw
    match: image.raw
    profile: bright
  - name: tall images
    match: image.height > image.width
    profile: portrait
  - name: tiffs
    match: image.ext === "tif"
    profile: warm
`)

	tests := []struct {
		name   string
		md     engine.Metadata
		verify func(t *testing.T, p *params.RenderParameters)
		count  int
	}{
		{
			name:  "raw landscape",
			md:    engine.Metadata{Path: "/in/a.NEF", Raw: true, Width: 600, Height: 400},
			count: 2,
			verify: func(t *testing.T, p *params.RenderParameters) {
				assert.Equal(t, 1.0, p.Exposure.Compensation)
				assert.Equal(t, 0, p.Coarse.Rotate)
			},
		},
		{
			name:  "tall tiff",
			md:    engine.Metadata{Path: "/in/b.tif", Width: 400, Height: 600},
			count: 3,
			verify: func(t *testing.T, p *params.RenderParameters) {
				assert.Equal(t, 90, p.Coarse.Rotate)
				assert.Equal(t, params.WBCustom, p.WhiteBalance.Method)
				assert.Equal(t, 0.0, p.Exposure.Compensation)
			},
		},
		{
			name:  "no match",
			md:    engine.Metadata{Path: "/in/c.jpg", Width: 600, Height: 400},
			count: 1,
			verify: func(t *testing.T, p *params.RenderParameters) {
				assert.Equal(t, params.Defaults(), p)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pps, err := s.Resolve("Dynamic", tt.md)
			require.NoError(t, err)
			assert.Len(t, pps, tt.count)
			tt.verify(t, merged(t, pps))
		})
	}
}

func TestDynamicWithoutRules(t *testing.T) {
	s := NewStore(t.TempDir(), ".pp3", nil)
	pps, err := s.Resolve("dynamic", engine.Metadata{Path: "x.jpg"})
	require.NoError(t, err)
	require.Len(t, pps, 1)
	assert.Equal(t, params.Defaults(), merged(t, pps))
}

func TestDynamicRuleErrors(t *testing.T) {
	tests := []struct {
		name  string
		rules string
	}{
		{"syntax error", "rules:\n  - name: broken\n    match: image.raw &&\n    profile: bright\n"},
		{"runaway rule", "rules:\n  - name: loop\n    match: while (true) {}\n    profile: bright\n"},
		{"missing profile", "rules:\n  - name: gone\n    match: \"true\"\n    profile: nowhere\n"},
		{"invalid document", "rules: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			writeFile(t, filepath.Join(s.Dir(), RulesFile), tt.rules)
			_, err := s.Resolve("Dynamic", engine.Metadata{Path: "/in/a.jpg", Raw: true})
			assert.Error(t, err)
		})
	}
}

func TestResolveNamed(t *testing.T) {
	s := newTestStore(t)
	pps, err := s.Resolve("warm", engine.Metadata{})
	require.NoError(t, err)
	require.Len(t, pps, 1)

	_, err = s.Resolve("missing", engine.Metadata{})
	assert.ErrorIs(t, err, engine.ErrProfileNotFound)
}

func TestInitialParameters(t *testing.T) {
	s := newTestStore(t)

	p, err := s.InitialParameters(engine.Metadata{Path: "a.jpg"}, "warm", "bright")
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Exposure.Compensation)
	assert.Equal(t, params.WBCamera, p.WhiteBalance.Method)

	p, err = s.InitialParameters(engine.Metadata{Path: "a.nef", Raw: true}, "warm", "bright")
	require.NoError(t, err)
	assert.Equal(t, 4000.0, p.WhiteBalance.Temperature)
	assert.Zero(t, p.Exposure.Compensation)

	_, err = s.InitialParameters(engine.Metadata{Path: "a.jpg"}, "Internal", "gone")
	assert.ErrorIs(t, err, engine.ErrProfileNotFound)
}
