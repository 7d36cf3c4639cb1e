package image

import (
	stdimage "image"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// orientationTransform returns the source-to-destination affine matrix for
// an EXIF orientation on a w×h image, and whether the axes swap.
func orientationTransform(orientation int, w, h float64) (f64.Aff3, bool) {
	switch orientation {
	case 2: // mirror horizontal
		return f64.Aff3{-1, 0, w, 0, 1, 0}, false
	case 3: // rotate 180
		return f64.Aff3{-1, 0, w, 0, -1, h}, false
	case 4: // mirror vertical
		return f64.Aff3{1, 0, 0, 0, -1, h}, false
	case 5: // transpose
		return f64.Aff3{0, 1, 0, 1, 0, 0}, true
	case 6: // rotate 90 CW
		return f64.Aff3{0, -1, h, 1, 0, 0}, true
	case 7: // transverse
		return f64.Aff3{0, -1, h, -1, 0, w}, true
	case 8: // rotate 90 CCW
		return f64.Aff3{0, 1, 0, -1, 0, w}, true
	}
	return f64.Aff3{1, 0, 0, 0, 1, 0}, false
}

// bakeOrientation draws src into a new buffer through the orientation's
// affine transform. Orientation 1 and unknown values return src unchanged.
func bakeOrientation(src stdimage.Image, orientation int) stdimage.Image {
	if orientation < 2 || orientation > 8 {
		return src
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	m, swap := orientationTransform(orientation, float64(w), float64(h))
	// shift so the transform sees a zero-origin source
	minX, minY := float64(b.Min.X), float64(b.Min.Y)
	m[2] -= m[0]*minX + m[1]*minY
	m[5] -= m[3]*minX + m[4]*minY

	dw, dh := w, h
	if swap {
		dw, dh = h, w
	}
	dst := stdimage.NewNRGBA(stdimage.Rect(0, 0, dw, dh))
	xdraw.NearestNeighbor.Transform(dst, m, src, b, xdraw.Src, nil)
	return dst
}
