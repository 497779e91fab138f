package softgpu

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// orient copies the size region of src into dst, rotating clockwise by rotation degrees (a
// multiple of 90, in [0, 360)) and then mirroring horizontally. The dst image is reused when
// it has the oriented size, otherwise a new one is allocated.
func orient(dst *image.RGBA, src image.Image, size image.Point, rotation int, mirrored bool) *image.RGBA {
	region := image.Rectangle{Min: src.Bounds().Min, Max: src.Bounds().Min.Add(size)}.Intersect(src.Bounds())
	rgba := asRGBA(src, region)
	sw, sh := region.Dx(), region.Dy()

	dw, dh := sw, sh
	if rotation == 90 || rotation == 270 {
		dw, dh = sh, sw
	}
	if dst == nil || dst.Rect.Dx() != dw || dst.Rect.Dy() != dh || dst.Rect.Min != (image.Point{}) {
		dst = image.NewRGBA(image.Rect(0, 0, dw, dh))
	}

	if rotation == 0 && !mirrored {
		xdraw.Draw(dst, dst.Rect, rgba, region.Min, xdraw.Src)
		return dst
	}

	for dy := 0; dy < dh; dy++ {
		for dx := 0; dx < dw; dx++ {
			x := dx
			if mirrored {
				x = dw - 1 - dx
			}
			var sx, sy int
			switch rotation {
			case 90:
				sx, sy = dy, sh-1-x
			case 180:
				sx, sy = sw-1-x, sh-1-dy
			case 270:
				sx, sy = sw-1-dy, x
			default:
				sx, sy = x, dy
			}
			si := rgba.PixOffset(region.Min.X+sx, region.Min.Y+sy)
			di := dst.PixOffset(dx, dy)
			copy(dst.Pix[di:di+4], rgba.Pix[si:si+4])
		}
	}

	return dst
}

// asRGBA returns src as an *image.RGBA covering region, converting only when necessary.
func asRGBA(src image.Image, region image.Rectangle) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba
	}
	rgba := image.NewRGBA(region)
	xdraw.Draw(rgba, region, src, region.Min, xdraw.Src)
	return rgba
}

// fitRect returns the largest rectangle with the aspect ratio of content, centered within
// viewport (letterboxed or pillarboxed).
func fitRect(content image.Point, viewport image.Rectangle) image.Rectangle {
	vw, vh := viewport.Dx(), viewport.Dy()
	if content.X <= 0 || content.Y <= 0 || vw <= 0 || vh <= 0 {
		return image.Rectangle{}
	}

	w, h := vw, vw*content.Y/content.X
	if h > vh {
		w, h = vh*content.X/content.Y, vh
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	origin := viewport.Min.Add(image.Pt((vw-w)/2, (vh-h)/2))
	return image.Rectangle{Min: origin, Max: origin.Add(image.Pt(w, h))}
}
