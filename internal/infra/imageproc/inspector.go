package imageproc

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/yanqian/agrivision/internal/domain/session"
	apperrors "github.com/yanqian/agrivision/pkg/errors"
)

// Inspector validates session uploads by fully decoding them. A zero MaxPixels
// uses the package default.
type Inspector struct {
	MaxPixels int
}

var _ session.Inspector = Inspector{}

// Inspect reports format and oriented dimensions, or an invalid_image error.
func (i Inspector) Inspect(data []byte) (session.ImageInfo, error) {
	img, format, err := decode(data, i.MaxPixels)
	if err != nil {
		return session.ImageInfo{}, err
	}
	b := img.Bounds()
	return session.ImageInfo{
		Format:      format,
		ContentType: "image/" + format,
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}

func decode(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", apperrors.Wrap(apperrors.CodeInvalidImage, "image is empty", nil)
	}
	if maxPixels <= 0 {
		maxPixels = defaultMaxPixels
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeInvalidImage, "unsupported image format", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > int64(maxPixels) {
		return nil, "", apperrors.Wrap(apperrors.CodeInvalidImage,
			fmt.Sprintf("image is %dx%d, above the %d pixel limit", cfg.Width, cfg.Height, maxPixels), nil)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeInvalidImage, "decode image", err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", apperrors.Wrap(apperrors.CodeInvalidImage, "image has no pixels", nil)
	}
	return img, format, nil
}
