package converter

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

var imageFormats = []string{"png", "jpg", "gif", "bmp", "tiff", "webp"}

// Image converts between raster formats. Decoding honours EXIF orientation.
type Image struct {
	JPEGQuality int
	WebPQuality float32
}

func NewImage() *Image {
	return &Image{JPEGQuality: 90, WebPQuality: 90}
}

func (i *Image) Name() string { return "image" }

func (i *Image) Routes() []Route {
	routes := make([]Route, 0, len(imageFormats))
	for _, target := range imageFormats {
		var sources []string
		for _, src := range imageFormats {
			if src != target {
				sources = append(sources, src)
			}
		}
		routes = append(routes, Route{Sources: sources, Target: target})
	}
	return routes
}

func (i *Image) Convert(ctx context.Context, sourceFormat, targetFormat string, in []byte) ([]byte, error) {
	img, err := i.decode(sourceFormat, in)
	if err != nil {
		return nil, fmt.Errorf("error decoding %s image: %w", sourceFormat, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if targetFormat == "webp" {
		if err := webp.Encode(&buf, img, &webp.Options{Quality: i.WebPQuality, Exact: true}); err != nil {
			return nil, fmt.Errorf("error encoding to webp: %w", err)
		}
		return buf.Bytes(), nil
	}

	format, err := imaging.FormatFromExtension(targetFormat)
	if err != nil {
		return nil, err
	}
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(i.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("error encoding to %s: %w", targetFormat, err)
	}
	return buf.Bytes(), nil
}

func (i *Image) decode(sourceFormat string, in []byte) (image.Image, error) {
	if sourceFormat == "webp" {
		return webp.Decode(bytes.NewReader(in))
	}
	return imaging.Decode(bytes.NewReader(in), imaging.AutoOrientation(true))
}
