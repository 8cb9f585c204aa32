package hugin

import (
	"bufio"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"strings"

	"fisheyepano/internal/registration"
)

// Panorama is the "p" line of a project.
type Panorama struct {
	Projection int
	Width      int
	Height     int
	HFOV       float64
	// Crop is the S parameter; empty means the whole canvas.
	Crop   image.Rectangle
	Format string
	Extra  []string
}

// Image is an "i" line. Angles are in degrees.
type Image struct {
	Width  int
	Height int
	Lens   int
	HFOV   float64
	Yaw    float64
	Pitch  float64
	Roll   float64
	Path   string
	Extra  []string
}

// Mask is a "k" line; Type 0 excludes the polygon from control point search.
type Mask struct {
	Image   int
	Type    int
	Polygon []image.Point
}

// Project is the subset of a Hugin .pto script the engine reads and writes.
// Lines it does not model are kept verbatim.
type Project struct {
	Panorama      Panorama
	Images        []Image
	ControlPoints []registration.ControlPoint
	Masks         []Mask
	Optimize      []string
	Other         []string
}

// ReadProjectFile parses the project at path.
func ReadProjectFile(path string) (*Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p, err := ParseProject(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

// WriteProjectFile writes p to path.
func WriteProjectFile(path string, p *Project) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := p.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ParseProject reads a project script.
func ParseProject(r io.Reader) (*Project, error) {
	p := &Project{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := splitFields(line)
		var err error
		switch fields[0] {
		case "p":
			err = p.parsePanorama(fields[1:])
		case "i":
			var img Image
			img, err = parseImage(fields[1:])
			p.Images = append(p.Images, img)
		case "c":
			var cp registration.ControlPoint
			cp, err = parseControlPoint(fields[1:])
			p.ControlPoints = append(p.ControlPoints, cp)
		case "k":
			var m Mask
			m, err = parseMask(fields[1:])
			p.Masks = append(p.Masks, m)
		case "v":
			p.Optimize = append(p.Optimize, fields[1:]...)
		default:
			p.Other = append(p.Other, line)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteTo renders the project as a script.
func (p *Project) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	b.WriteString("# fisheyepano project\n")

	pano := p.Panorama
	fmt.Fprintf(&b, "p f%d w%d h%d v%s", pano.Projection, pano.Width, pano.Height, ff(pano.HFOV))
	if !pano.Crop.Empty() {
		fmt.Fprintf(&b, " S%d,%d,%d,%d", pano.Crop.Min.X, pano.Crop.Max.X, pano.Crop.Min.Y, pano.Crop.Max.Y)
	}
	for _, e := range pano.Extra {
		b.WriteString(" " + e)
	}
	format := pano.Format
	if format == "" {
		format = "TIFF_m"
	}
	fmt.Fprintf(&b, " n%q\n", format)

	for _, line := range p.Other {
		b.WriteString(line + "\n")
	}
	for _, img := range p.Images {
		fmt.Fprintf(&b, "i w%d h%d f%d", img.Width, img.Height, img.Lens)
		for _, v := range []struct {
			key string
			val float64
		}{{"v", img.HFOV}, {"r", img.Roll}, {"p", img.Pitch}, {"y", img.Yaw}} {
			if !linked(img.Extra, v.key) {
				fmt.Fprintf(&b, " %s%s", v.key, ff(v.val))
			}
		}
		for _, e := range img.Extra {
			b.WriteString(" " + e)
		}
		fmt.Fprintf(&b, " n%q\n", img.Path)
	}
	if len(p.Optimize) > 0 {
		b.WriteString("v " + strings.Join(p.Optimize, " ") + "\n")
		b.WriteString("v\n")
	}
	for _, cp := range p.ControlPoints {
		fmt.Fprintf(&b, "c n%d N%d x%s y%s X%s Y%s t0\n", cp.A, cp.B, ff(cp.XA), ff(cp.YA), ff(cp.XB), ff(cp.YB))
	}
	for _, m := range p.Masks {
		pts := make([]string, 0, 2*len(m.Polygon))
		for _, pt := range m.Polygon {
			pts = append(pts, strconv.Itoa(pt.X), strconv.Itoa(pt.Y))
		}
		fmt.Fprintf(&b, "k i%d t%d p%q\n", m.Image, m.Type, strings.Join(pts, " "))
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func (p *Project) parsePanorama(fields []string) error {
	for _, f := range fields {
		key, val := f[:1], f[1:]
		var err error
		switch key {
		case "f":
			p.Panorama.Projection, err = strconv.Atoi(val)
		case "w":
			p.Panorama.Width, err = strconv.Atoi(val)
		case "h":
			p.Panorama.Height, err = strconv.Atoi(val)
		case "v":
			p.Panorama.HFOV, err = strconv.ParseFloat(val, 64)
		case "S":
			p.Panorama.Crop, err = parseCrop(val)
		case "n":
			p.Panorama.Format = unquote(val)
		default:
			p.Panorama.Extra = append(p.Panorama.Extra, f)
		}
		if err != nil {
			return fmt.Errorf("panorama %q: %w", f, err)
		}
	}
	return nil
}

func parseImage(fields []string) (Image, error) {
	var img Image
	for _, f := range fields {
		key, val := f[:1], f[1:]
		if key == "n" {
			img.Path = unquote(val)
			continue
		}
		num, err := strconv.ParseFloat(val, 64)
		if err != nil {
			// multi-letter keys and links like v=0 are not modelled
			img.Extra = append(img.Extra, f)
			continue
		}
		switch key {
		case "w":
			img.Width = int(num)
		case "h":
			img.Height = int(num)
		case "f":
			img.Lens = int(num)
		case "v":
			img.HFOV = num
		case "y":
			img.Yaw = num
		case "p":
			img.Pitch = num
		case "r":
			img.Roll = num
		default:
			img.Extra = append(img.Extra, f)
		}
	}
	if img.Width <= 0 || img.Height <= 0 {
		return img, fmt.Errorf("image without size")
	}
	return img, nil
}

func parseControlPoint(fields []string) (registration.ControlPoint, error) {
	var cp registration.ControlPoint
	for _, f := range fields {
		key, val := f[:1], f[1:]
		num, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return cp, fmt.Errorf("control point %q: %w", f, err)
		}
		switch key {
		case "n":
			cp.A = int(num)
		case "N":
			cp.B = int(num)
		case "x":
			cp.XA = num
		case "y":
			cp.YA = num
		case "X":
			cp.XB = num
		case "Y":
			cp.YB = num
		}
	}
	return cp, nil
}

func parseMask(fields []string) (Mask, error) {
	var m Mask
	for _, f := range fields {
		key, val := f[:1], f[1:]
		var err error
		switch key {
		case "i":
			m.Image, err = strconv.Atoi(val)
		case "t":
			m.Type, err = strconv.Atoi(val)
		case "p":
			nums := strings.Fields(unquote(val))
			if len(nums)%2 != 0 {
				return m, fmt.Errorf("mask polygon has odd coordinate count")
			}
			for i := 0; i < len(nums); i += 2 {
				x, errX := strconv.ParseFloat(nums[i], 64)
				y, errY := strconv.ParseFloat(nums[i+1], 64)
				if errX != nil || errY != nil {
					return m, fmt.Errorf("mask polygon point %q %q", nums[i], nums[i+1])
				}
				m.Polygon = append(m.Polygon, image.Pt(int(x), int(y)))
			}
		}
		if err != nil {
			return m, fmt.Errorf("mask %q: %w", f, err)
		}
	}
	return m, nil
}

// parseCrop reads "left,right,top,bottom".
func parseCrop(val string) (image.Rectangle, error) {
	parts := strings.Split(val, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("crop needs 4 values")
	}
	var n [4]int
	for i, s := range parts {
		v, err := strconv.Atoi(s)
		if err != nil {
			return image.Rectangle{}, err
		}
		n[i] = v
	}
	return image.Rect(n[0], n[2], n[1], n[3]), nil
}

// splitFields splits on spaces outside double quotes.
func splitFields(line string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case (r == ' ' || r == '\t') && !quoted:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// linked reports whether a variable is tied to another image, as in v=0.
func linked(extra []string, key string) bool {
	for _, e := range extra {
		if strings.HasPrefix(e, key+"=") {
			return true
		}
	}
	return false
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func ff(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
