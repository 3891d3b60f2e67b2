package thumbnail

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/aliskhannn/thumbnailer/internal/model"
	"github.com/aliskhannn/thumbnailer/internal/staging"
)

// Default bounding box of a thumbnail.
const (
	DefaultMaxWidth  = 128
	DefaultMaxHeight = 128
)

// Options configures a Deriver.
type Options struct {
	MaxWidth  int    // bounding box width, DefaultMaxWidth when zero
	MaxHeight int    // bounding box height, DefaultMaxHeight when zero
	Label     string // optional text drawn in the bottom-right corner
}

// Deriver produces bounded-size thumbnails that keep the source encoding format.
type Deriver struct {
	maxWidth  int
	maxHeight int
	label     string
}

// New creates a Deriver with the given options.
func New(opts Options) *Deriver {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = DefaultMaxWidth
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = DefaultMaxHeight
	}

	return &Deriver{
		maxWidth:  opts.MaxWidth,
		maxHeight: opts.MaxHeight,
		label:     opts.Label,
	}
}

// Derive opens the image at sourcePath, fits it into the bounding box without
// upscaling and writes it next to the source as "<name>.thumbnail.<format>".
// It returns the written path and the format name reported by the decoder
// (e.g. "jpeg", "png").
func (d *Deriver) Derive(sourcePath string) (string, string, error) {
	src, format, err := decode(sourcePath)
	if err != nil {
		return "", "", err
	}

	if _, err := imaging.FormatFromExtension(format); err != nil {
		return "", "", fmt.Errorf("%w: no encoder for format %q: %w", model.ErrEncode, format, err)
	}

	// Fit keeps the aspect ratio and returns a copy when the source already fits.
	var thumb image.Image = imaging.Fit(src, d.maxWidth, d.maxHeight, imaging.Lanczos)

	if d.label != "" {
		thumb = drawLabel(thumb, d.label)
	}

	dst := staging.ThumbnailPath(sourcePath, format)
	if err := imaging.Save(thumb, dst); err != nil {
		_ = os.Remove(dst)
		return "", "", fmt.Errorf("%w: save %s: %w", model.ErrEncode, dst, err)
	}

	return dst, format, nil
}

// decode opens and decodes the image, discovering its format from the content.
func decode(path string) (image.Image, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: open %s: %w", model.ErrDecode, path, err)
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode %s: %w", model.ErrDecode, path, err)
	}

	return img, format, nil
}

// drawLabel draws text in the bottom-right corner using the default font face.
func drawLabel(img image.Image, text string) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetColor(color.White)

	margin := 2.0
	x := float64(dc.Width()) - margin
	y := float64(dc.Height()) - margin

	dc.DrawStringAnchored(text, x, y, 1, 0) // bottom-right corner
	dc.Fill()

	return dc.Image()
}
