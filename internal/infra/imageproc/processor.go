package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/yanqian/agrivision/internal/domain/diagnosis"
	apperrors "github.com/yanqian/agrivision/pkg/errors"
)

// Output formats accepted by Encode.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"
)

const (
	defaultMaxDim    = 1024
	defaultQuality   = 85
	defaultMaxPixels = 40_000_000
)

// Highlight colour of the diagnosis box (neon green).
var boxColor = color.NRGBA{R: 57, G: 255, B: 20, A: 255}

// Options tunes how captures are prepared for the model. MaxPixels bounds the
// decoded bitmap; larger images are rejected before any pixel data is allocated.
type Options struct {
	MaxDim      int
	JPEGQuality int
	MaxPixels   int
}

// Loaded is a decoded capture plus the payload that goes to the model.
type Loaded struct {
	Original image.Image
	Format   string
	Model    diagnosis.Image
}

// Load decodes an upload, applies EXIF orientation and prepares a downsized JPEG for
// the model. Model.Width/Height keep the original dimensions for pixel mapping.
func Load(data []byte, opts Options) (Loaded, error) {
	img, format, err := decode(data, opts.MaxPixels)
	if err != nil {
		return Loaded{}, err
	}
	b := img.Bounds()

	payload, err := prepareForModel(img, opts)
	if err != nil {
		return Loaded{}, apperrors.Wrap(apperrors.CodeInvalidImage, "encode model payload", err)
	}
	return Loaded{
		Original: img,
		Format:   format,
		Model: diagnosis.Image{
			Data:     payload,
			MIMEType: "image/jpeg",
			Width:    b.Dx(),
			Height:   b.Dy(),
		},
	}, nil
}

func prepareForModel(img image.Image, opts Options) ([]byte, error) {
	maxDim := opts.MaxDim
	if maxDim <= 0 {
		maxDim = defaultMaxDim
	}
	quality := opts.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}

	b := img.Bounds()
	if b.Dx() > maxDim || b.Dy() > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Annotate returns a copy of img with the region outlined. An empty box leaves the
// copy untouched.
func Annotate(img image.Image, box diagnosis.PixelBox) *image.NRGBA {
	out := imaging.Clone(img)
	if box.Empty() {
		return out
	}
	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	drawBox(out, box, strokeFor(w, h))
	return out
}

// Encode writes img in the requested format; an empty format means JPEG.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}
	switch NormalizeFormat(format) {
	case FormatPNG:
		return png.Encode(w, img)
	case FormatWebP:
		return webp.Encode(w, img, &webp.Options{Quality: float32(quality)})
	case FormatJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	default:
		return apperrors.Wrap(apperrors.CodeInvalidInput, fmt.Sprintf("unsupported output format %q", format), nil)
	}
}

// NormalizeFormat maps aliases onto the Format constants. Unknown values are returned lowercased.
func NormalizeFormat(format string) string {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "", "jpg", "jpeg":
		return FormatJPEG
	default:
		return f
	}
}

// ContentType returns the MIME type for a normalized format.
func ContentType(format string) string {
	switch NormalizeFormat(format) {
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// strokeFor gives 8px on a 1000px image, never thinner than 2px.
func strokeFor(w, h int) int {
	stroke := min(w, h) / 125
	if stroke < 2 {
		stroke = 2
	}
	return stroke
}

func drawBox(img *image.NRGBA, box diagnosis.PixelBox, stroke int) {
	x0, y0, x1, y1 := box.StartX, box.StartY, box.EndX, box.EndY
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1)
		drawHLine(img, y1-1-s, x0, x1)
		drawVLine(img, x0+s, y0, y1)
		drawVLine(img, x1-1-s, y0, y1)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int) {
	bw, bh := img.Bounds().Dx(), img.Bounds().Dy()
	if y < 0 || y >= bh {
		return
	}
	x0, x1 = max(x0, 0), min(x1, bw)
	if x0 >= x1 {
		return
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		setPix(img.Pix[i:i+4], boxColor)
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int) {
	bw, bh := img.Bounds().Dx(), img.Bounds().Dy()
	if x < 0 || x >= bw {
		return
	}
	y0, y1 = max(y0, 0), min(y1, bh)
	if y0 >= y1 {
		return
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		setPix(img.Pix[i:i+4], boxColor)
		i += img.Stride
	}
}

func setPix(p []uint8, c color.NRGBA) {
	p[0], p[1], p[2], p[3] = c.R, c.G, c.B, c.A
}
