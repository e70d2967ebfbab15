package diagnosis

import "math"

// MapToPixels projects a normalized box onto an image of the given size.
// A degenerate box maps to the zero-area box at the origin.
func MapToPixels(box BoundingBox, width, height int) PixelBox {
	if width <= 0 || height <= 0 || box.IsDegenerate() {
		return PixelBox{}
	}
	return PixelBox{
		StartX: scaleAxis(box.XMin, width),
		StartY: scaleAxis(box.YMin, height),
		EndX:   scaleAxis(box.XMax, width),
		EndY:   scaleAxis(box.YMax, height),
	}
}

func scaleAxis(normalized float64, size int) int {
	px := int(math.Round(normalized * float64(size) / NormalizedScale))
	if px < 0 {
		return 0
	}
	if px > size {
		return size
	}
	return px
}
