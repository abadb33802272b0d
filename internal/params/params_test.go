package params

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timealign/internal/transform"
)

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{1, "1.0"},
		{0, "0.0"},
		{-0.25, "-0.25"},
		{1000, "1000.0"},
		{0.1, "0.1"},
		{0.0001, "0.0001"},
		{0.00001, "1e-05"},
		{1e16, "1e+16"},
		{123456789012345.6, "123456789012345.6"},
		{-3.3306690738754696e-16, "-3.3306690738754696e-16"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatFloat(tt.in), "formatFloat(%v)", tt.in)
	}
}

func TestWriteRaw(t *testing.T) {
	set, err := NewSet(transform.KindRawSimilarity, nil, []transform.Similarity{
		transform.Identity(),
		{A: 0.5, B: -0.125, DX: 12, DY: -3.5},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, set))
	want := "a\tb\tdx\tdy\n" +
		"1.0\t0.0\t0.0\t0.0\n" +
		"0.5\t-0.125\t12.0\t-3.5\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteDisplayCarriesFrame(t *testing.T) {
	set, err := NewSet(transform.KindDisplaySimilarity, nil, []transform.Similarity{transform.Identity()})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, set))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "# pad = (1000.0, 1000.0), dims = (5000.0, 7000.0)", lines[0])
	assert.Equal(t, "alpha\tx\ty\ttheta", lines[1])
	assert.Equal(t, "1.0\t0.0\t0.0\t0.0", lines[2])
}

func TestRoundTrip(t *testing.T) {
	sims := []transform.Similarity{
		{A: 0.9987, B: 0.0123, DX: -41.75, DY: 1e-7},
		{A: 1.2, B: -0.4, DX: 350.125, DY: -0.003},
	}
	frame := &transform.FrameContext{PadX: 10, PadY: 20, Width: 640, Height: 480}

	for _, kind := range []transform.Kind{transform.KindRawSimilarity, transform.KindDisplaySimilarity} {
		set, err := NewSet(kind, frame, sims)
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, Write(&buf, set))
		got, err := Parse(&buf)
		require.NoError(t, err)

		assert.Equal(t, kind, got.Kind)
		require.NotNil(t, got.Frame)
		assert.Equal(t, *frame, *got.Frame)
		assert.Equal(t, set.Entries, got.Entries, "values must survive exactly")

		back, err := got.Similarities()
		require.NoError(t, err)
		for i := range sims {
			assert.InDelta(t, sims[i].DX, back[i].DX, 1e-6)
			assert.InDelta(t, sims[i].DY, back[i].DY, 1e-6)
		}
	}
}

func TestParseDefaultsWithoutComment(t *testing.T) {
	in := "dy\tdx\tb\ta\n4\t3\t2\t1\n\n"
	set, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	assert.Nil(t, set.Frame)
	require.Len(t, set.Entries, 1)
	assert.Equal(t, transform.Similarity{A: 1, B: 2, DX: 3, DY: 4}, set.Entries[0].Raw)
	assert.Equal(t, transform.DefaultFrame(), set.Entries[0].Frame)

	base := transform.FrameContext{PadX: 10, PadY: 20, Width: 300, Height: 400}
	set, err = ParseWithFrame(strings.NewReader(in), base)
	require.NoError(t, err)
	assert.Equal(t, base, set.Entries[0].Frame)
}

func TestParseFrameComment(t *testing.T) {
	tests := []struct {
		name    string
		comment string
		want    transform.FrameContext
	}{
		{"both keys", "# pad = (1000.0, 1000.0), dims = (5000.0, 7000.0)", transform.FrameContext{PadX: 1000, PadY: 1000, Width: 5000, Height: 7000}},
		{"reversed and tight", "#dims=(10, 20) pad=(1,2)", transform.FrameContext{PadX: 1, PadY: 2, Width: 10, Height: 20}},
		{"pad only", "# pad = (7, 8)", transform.FrameContext{PadX: 7, PadY: 8, Width: 5500, Height: 3500}},
		{"malformed tuple", "# pad = 7, dims = (1, 2, 3)", transform.DefaultFrame()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.comment + "\n# pad = (99, 99)\na\tb\tdx\tdy\n1\t0\t0\t0\n"
			set, err := Parse(strings.NewReader(in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, set.Entries[0].Frame)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		unsupported bool
	}{
		{"empty", "", false},
		{"comment only", "# pad = (1, 1)\n", false},
		{"unknown shape", "a\tb\tc\td\n1\t2\t3\t4\n", true},
		{"affine shape", "a\tb\tc\td\tdx\tdy\n", true},
		{"short row", "a\tb\tdx\tdy\n1\t2\t3\n", false},
		{"not a number", "a\tb\tdx\tdy\n1\t2\tthree\t4\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.Error(t, err)
			if tt.unsupported {
				assert.ErrorIs(t, err, transform.ErrUnsupportedTransform)
			}
		})
	}
}

func TestLoadSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.txt")

	got, err := Load(path)
	assert.NoError(t, err)
	assert.Nil(t, got, "missing file means no data yet")

	set, err := NewSet(transform.KindRawSimilarity, nil, []transform.Similarity{{A: 2}})
	require.NoError(t, err)
	require.NoError(t, Save(path, set))

	got, err = Load(path)
	require.NoError(t, err)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, transform.Similarity{A: 2}, got.Entries[0].Raw)
}

func TestNewSetRejectsUnknownKind(t *testing.T) {
	_, err := NewSet(transform.KindUnknown, nil, nil)
	assert.ErrorIs(t, err, transform.ErrUnsupportedTransform)

	var buf bytes.Buffer
	assert.Error(t, Write(&buf, &Set{}))
}
