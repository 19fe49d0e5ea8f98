// Package yuv converts interleaved 4-byte raster captures into planar I420.
package yuv

import (
	"errors"
	"fmt"

	"go2tv.app/recordscreen/capture"
)

var ErrShortBuffer = errors.New("yuv: source buffer too short")

// I420Size is the byte length of a planar 4:2:0 frame: one full luma plane
// and two chroma planes of ceil(w/2) x ceil(h/2).
func I420Size(width, height int) int {
	cw, ch := ChromaSize(width, height)
	return width*height + 2*cw*ch
}

// ChromaSize returns the dimensions of each chroma plane.
func ChromaSize(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}

// Converter owns the output buffer and reuses it while the resolution stays
// the same. It is not safe for concurrent use.
type Converter struct {
	buf    []byte
	width  int
	height int
}

// Convert writes frame into the converter's I420 buffer and returns it. The
// returned slice is overwritten by the next call.
func (c *Converter) Convert(frame *capture.Frame) ([]byte, error) {
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortBuffer, err)
	}

	var ri, gi, bi int
	switch frame.Format {
	case capture.PixelFormatBGRA, "":
		ri, gi, bi = 2, 1, 0
	case capture.PixelFormatRGBA:
		ri, gi, bi = 0, 1, 2
	default:
		return nil, fmt.Errorf("yuv: unsupported pixel format %q", frame.Format)
	}

	w, h := frame.Width, frame.Height
	if c.buf == nil || c.width != w || c.height != h {
		c.buf = make([]byte, I420Size(w, h))
		c.width, c.height = w, h
	}

	cw, ch := ChromaSize(w, h)
	yPlane := c.buf[:w*h]
	uPlane := c.buf[w*h : w*h+cw*ch]
	vPlane := c.buf[w*h+cw*ch:]
	src := frame.Pix
	stride := frame.Stride

	for y := 0; y < h; y++ {
		row := src[y*stride : y*stride+w*4]
		out := yPlane[y*w : y*w+w]
		for x := range out {
			p := row[x*4 : x*4+4]
			out[x] = luma(int32(p[ri]), int32(p[gi]), int32(p[bi]))
		}
	}

	for by := 0; by < ch; by++ {
		y0 := by * 2
		y1 := y0 + 1
		if y1 >= h {
			y1 = y0
		}
		row0 := src[y0*stride:]
		row1 := src[y1*stride:]
		for bx := 0; bx < cw; bx++ {
			x0 := bx * 2
			x1 := x0 + 1
			if x1 >= w {
				x1 = x0
			}
			var sumU, sumV, n int32
			for _, row := range [2][]byte{row0, row1} {
				for _, x := range [2]int{x0, x1} {
					p := row[x*4 : x*4+4]
					u, v := chroma(int32(p[ri]), int32(p[gi]), int32(p[bi]))
					sumU += u
					sumV += v
					n++
				}
				if y1 == y0 {
					break
				}
			}
			// Duplicate columns on an odd right edge count twice but
			// cancel out in the average.
			uPlane[by*cw+bx] = uint8((sumU + n/2) / n)
			vPlane[by*cw+bx] = uint8((sumV + n/2) / n)
		}
	}

	return c.buf, nil
}

// Full-range BT.601 in 16.16 fixed point, the same weights image/color uses.

func luma(r, g, b int32) uint8 {
	return uint8((19595*r + 38470*g + 7471*b + 1<<15) >> 16)
}

func chroma(r, g, b int32) (int32, int32) {
	u := (-11056*r - 21712*g + 32768*b + 257<<15) >> 16
	v := (32768*r - 27440*g - 5328*b + 257<<15) >> 16
	return clamp(u), clamp(v)
}

func clamp(x int32) int32 {
	if x < 0 {
		return 0
	}
	if x > 255 {
		return 255
	}
	return x
}
