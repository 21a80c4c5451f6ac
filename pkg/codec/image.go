package codec

import (
	"math"
	"reflect"

	"github.com/illmade-knight/go-robobridge/pkg/msgs"
)

// bytesPerPixel lists the raw encodings that can be resampled.
var bytesPerPixel = map[string]int{
	"mono8":  1,
	"8UC1":   1,
	"mono16": 2,
	"16UC1":  2,
	"rgb8":   3,
	"bgr8":   3,
	"8UC3":   3,
	"rgba8":  4,
	"bgra8":  4,
	"8UC4":   4,
}

// encodeImage forwards images of at most ImageMaxPixels. Larger images are
// reported with uniformly scaled target dimensions.
func (c *Codec) encodeImage(m *msgs.Image) (map[string]any, error) {
	header, err := c.encodeStruct(reflect.ValueOf(m.Header))
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"header":       header,
		"height":       uint64(m.Height),
		"width":        uint64(m.Width),
		"encoding":     m.Encoding,
		"is_bigendian": uint64(m.IsBigendian),
		"step":         uint64(m.Step),
	}

	pixels := int(m.Width) * int(m.Height)
	if pixels <= c.opts.ImageMaxPixels {
		c.putBytes(out, "data", m.Data, c.opts.BinaryInlineLimit)
		out["scaled"] = false
		return out, nil
	}

	factor := math.Sqrt(float64(c.opts.ImageMaxPixels) / float64(pixels))
	newHeight := int(float64(m.Height) * factor)
	newWidth := int(float64(m.Width) * factor)
	out["height"] = uint64(newHeight)
	out["width"] = uint64(newWidth)
	out["original_height"] = uint64(m.Height)
	out["original_width"] = uint64(m.Width)
	out["scaled"] = true

	if c.opts.ResampleImages {
		if data, step, ok := resampleNearest(m, newWidth, newHeight); ok {
			out["step"] = uint64(step)
			c.putBytes(out, "data", data, c.opts.BinaryInlineLimit)
			return out, nil
		}
	}
	out["data"] = []int{}
	return out, nil
}

// resampleNearest scales raw pixel rows with nearest-neighbour sampling. It
// reports false for encodings it does not understand or truncated buffers.
func resampleNearest(m *msgs.Image, newWidth, newHeight int) ([]byte, int, bool) {
	bpp, ok := bytesPerPixel[m.Encoding]
	if !ok || newWidth <= 0 || newHeight <= 0 {
		return nil, 0, false
	}
	width, height := int(m.Width), int(m.Height)
	srcStep := int(m.Step)
	if srcStep == 0 {
		srcStep = width * bpp
	}
	if srcStep < width*bpp || len(m.Data) < srcStep*(height-1)+width*bpp {
		return nil, 0, false
	}

	dstStep := newWidth * bpp
	out := make([]byte, dstStep*newHeight)
	for y := 0; y < newHeight; y++ {
		srcRow := (y * height / newHeight) * srcStep
		dstRow := y * dstStep
		for x := 0; x < newWidth; x++ {
			src := srcRow + (x*width/newWidth)*bpp
			copy(out[dstRow+x*bpp:dstRow+(x+1)*bpp], m.Data[src:src+bpp])
		}
	}
	return out, dstStep, true
}
