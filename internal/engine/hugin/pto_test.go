package hugin

import (
	"image"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fisheyepano/internal/registration"
)

const sampleProject = `# hugin project file
#hugin_ptoversion 2
p f2 w3000 h1500 v360 E0 R0 S100,2900,200,1300 n"TIFF_m c:LZW r:CROP"
m i0

# image lines
i w1200 h1200 f2 v190 Ra0 Rb0 Eev0 r0.5 p-1.25 y0 TrX0 Va1 j0 t0 Vm5 n"/tmp/front 01.tif"
i w1200 h1200 f2 v=0 r0 p0 y179.5 j0 n"/tmp/back.tif"

v y1 p1 r1
v v0
v

c n0 N1 x512.5 y300 X40.25 Y310 t0
k i0 t0 p"10 20 30 20 30 40 10 40"
`

func TestParseProject(t *testing.T) {
	p, err := ParseProject(strings.NewReader(sampleProject))
	require.NoError(t, err)

	assert.Equal(t, Panorama{
		Projection: 2,
		Width:      3000,
		Height:     1500,
		HFOV:       360,
		Crop:       image.Rect(100, 200, 2900, 1300),
		Format:     "TIFF_m c:LZW r:CROP",
		Extra:      []string{"E0", "R0"},
	}, p.Panorama)

	require.Len(t, p.Images, 2)
	front := p.Images[0]
	assert.Equal(t, "/tmp/front 01.tif", front.Path)
	assert.Equal(t, 190.0, front.HFOV)
	assert.Equal(t, 0.5, front.Roll)
	assert.Equal(t, -1.25, front.Pitch)
	assert.Equal(t, []string{"Ra0", "Rb0", "Eev0", "TrX0", "Va1", "j0", "t0", "Vm5"}, front.Extra)

	back := p.Images[1]
	assert.Equal(t, 179.5, back.Yaw)
	assert.Zero(t, back.HFOV)
	assert.Equal(t, []string{"v=0", "j0"}, back.Extra)

	assert.Equal(t, []string{"y1", "p1", "r1", "v0"}, p.Optimize)
	assert.Equal(t, []string{"m i0"}, p.Other)
	assert.Equal(t, []registration.ControlPoint{{A: 0, B: 1, XA: 512.5, YA: 300, XB: 40.25, YB: 310}}, p.ControlPoints)
	assert.Equal(t, []Mask{{Image: 0, Type: 0, Polygon: []image.Point{{10, 20}, {30, 20}, {30, 40}, {10, 40}}}}, p.Masks)
}

func TestProjectRoundTrip(t *testing.T) {
	p, err := ParseProject(strings.NewReader(sampleProject))
	require.NoError(t, err)

	var b strings.Builder
	_, err = p.WriteTo(&b)
	require.NoError(t, err)
	assert.NotContains(t, b.String(), " v0 v=0", "linked variables are not written twice")

	again, err := ParseProject(strings.NewReader(b.String()))
	require.NoError(t, err)
	if diff := cmp.Diff(p, again); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseProjectErrors(t *testing.T) {
	for name, src := range map[string]string{
		"image without size": "i f2 v190 n\"a.tif\"\n",
		"bad crop":           "p f2 w10 h10 v360 S1,2,3 n\"TIFF_m\"\n",
		"bad control point":  "c n0 N1 xabc y0 X0 Y0 t0\n",
		"odd mask":           "k i0 t0 p\"1 2 3\"\n",
	} {
		_, err := ParseProject(strings.NewReader(src))
		assert.Error(t, err, name)
	}
}

func TestSplitFieldsKeepsQuotedSpaces(t *testing.T) {
	assert.Equal(t, []string{"p", "f2", `n"TIFF_m c:LZW"`}, splitFields(`p  f2	n"TIFF_m c:LZW"`))
}
