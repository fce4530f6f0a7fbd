// Package redact obscures detected faces in images, either by filling each
// region with black or by blurring it.
package redact

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

type Mode string

const (
	ModeRedact Mode = "redact" // solid black fill
	ModeBlur   Mode = "blur"   // gaussian blur of the region only
)

const blurSigma = 30.0

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRedact, ModeBlur:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown redaction mode %q (allowed: redact, blur)", s)
	}
}

// Detector finds face regions in an image. Implementations are not required
// to be safe for concurrent use.
type Detector interface {
	Detect(img image.Image) []image.Rectangle
}

// NopDetector never finds anything. Used when redaction is switched off.
type NopDetector struct{}

func (NopDetector) Detect(image.Image) []image.Rectangle { return nil }

// Filter decodes an image, obscures every detected region and writes the result once.
type Filter struct {
	Detector Detector
	Mode     Mode
}

func NewFilter(d Detector, mode Mode) *Filter {
	return &Filter{Detector: d, Mode: mode}
}

// Redact reads inputPath, applies the filter and writes outputPath, creating
// parent directories. The output format follows outputPath's extension.
// It returns the number of regions obscured.
func (f *Filter) Redact(inputPath, outputPath string) (int, error) {
	src, err := imaging.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", inputPath, err)
	}
	boxes := f.Detector.Detect(src)
	out := Apply(src, boxes, f.Mode)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return 0, fmt.Errorf("create directory for %s: %w", outputPath, err)
	}
	if err := imaging.Save(out, outputPath); err != nil {
		return 0, fmt.Errorf("save %s: %w", outputPath, err)
	}
	return len(boxes), nil
}

// Apply returns a copy of img with every box obscured. Boxes are in img's
// coordinate space, clipped to its bounds, and handled one at a time on the
// same buffer; overlapping boxes are not merged. The result's origin is (0, 0).
func Apply(img image.Image, boxes []image.Rectangle, mode Mode) *image.NRGBA {
	dst := imaging.Clone(img)
	origin := img.Bounds().Min
	for _, box := range boxes {
		r := box.Sub(origin).Intersect(dst.Bounds())
		if r.Empty() {
			continue
		}
		switch mode {
		case ModeBlur:
			region := imaging.Blur(imaging.Crop(dst, r), blurSigma)
			dst = imaging.Paste(dst, region, r.Min)
		default:
			dst = imaging.Paste(dst, imaging.New(r.Dx(), r.Dy(), color.Black), r.Min)
		}
	}
	return dst
}
