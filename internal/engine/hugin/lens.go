package hugin

import (
	"math"

	"fisheyepano/internal/registration"
)

// Lens types as used by the "f" parameter of an image line.
const (
	LensRectilinear      = 0
	LensPanoramic        = 1
	LensCircularFisheye  = 2
	LensFullFrameFisheye = 3
	LensEquirectangular  = 4
)

var projections = map[string]int{
	"cylindrical":   1,
	"spherical":     2,
	"planar":        0,
	"fisheye":       3,
	"stereographic": 5,
	"mercator":      6,
}

// ProjectionNumber maps a projection name to its panorama format number.
// Unknown names fall back to cylindrical.
func ProjectionNumber(name string) int {
	if n, ok := projections[name]; ok {
		return n
	}
	return projections["cylindrical"]
}

// FocalFromHFOV converts a horizontal field of view in degrees to a focal
// length in pixels for an image of the given width.
func FocalFromHFOV(lens, width int, hfov float64) float64 {
	if hfov <= 0 || width <= 0 {
		return 0
	}
	rad := hfov * math.Pi / 180
	if lens == LensRectilinear {
		return float64(width) / (2 * math.Tan(rad/2))
	}
	return float64(width) / rad
}

// HFOVFromFocal is the inverse of FocalFromHFOV.
func HFOVFromFocal(lens, width int, focal float64) float64 {
	if focal <= 0 || width <= 0 {
		return 0
	}
	var rad float64
	if lens == LensRectilinear {
		rad = 2 * math.Atan(float64(width)/(2*focal))
	} else {
		rad = float64(width) / focal
	}
	return rad * 180 / math.Pi
}

// RotationFromYPR builds Ry(yaw)·Rx(pitch)·Rz(roll) from degrees.
func RotationFromYPR(yaw, pitch, roll float64) [9]float64 {
	toRad := math.Pi / 180
	sa, ca := math.Sincos(yaw * toRad)
	sb, cb := math.Sincos(pitch * toRad)
	sg, cg := math.Sincos(roll * toRad)
	return [9]float64{
		ca*cg + sa*sb*sg, -ca*sg + sa*sb*cg, sa * cb,
		cb * sg, cb * cg, -sb,
		-sa*cg + ca*sb*sg, sa*sg + ca*sb*cg, ca * cb,
	}
}

// YPRFromRotation recovers yaw, pitch and roll in degrees from a rotation
// built by RotationFromYPR.
func YPRFromRotation(r [9]float64) (yaw, pitch, roll float64) {
	toDeg := 180 / math.Pi
	sb := math.Max(-1, math.Min(1, -r[5]))
	pitch = math.Asin(sb) * toDeg
	yaw = math.Atan2(r[2], r[8]) * toDeg
	roll = math.Atan2(r[3], r[4]) * toDeg
	return yaw, pitch, roll
}

func cameraFromImage(img Image) registration.CameraParams {
	return registration.CameraParams{
		Focal:  FocalFromHFOV(img.Lens, img.Width, img.HFOV),
		Aspect: 1,
		PPX:    float64(img.Width) / 2,
		PPY:    float64(img.Height) / 2,
		R:      RotationFromYPR(img.Yaw, img.Pitch, img.Roll),
	}
}

// imageFromCamera is the inverse of cameraFromImage. The image size is taken
// from the principal point.
func imageFromCamera(cam registration.CameraParams, lens int, path string) Image {
	w := int(math.Round(2 * cam.PPX))
	h := int(math.Round(2 * cam.PPY))
	yaw, pitch, roll := YPRFromRotation(cam.R)
	return Image{
		Width:  w,
		Height: h,
		Lens:   lens,
		HFOV:   HFOVFromFocal(lens, w, cam.Focal),
		Yaw:    yaw,
		Pitch:  pitch,
		Roll:   roll,
		Path:   path,
	}
}
