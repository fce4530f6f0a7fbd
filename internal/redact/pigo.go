package redact

import (
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"
)

// Fixed detection parameters.
const (
	scaleFactor  = 1.1
	shiftFactor  = 0.1
	minFaceSize  = 30
	minNeighbors = 5
	iouThreshold = 0.2
)

// PigoDetector finds frontal faces with a pigo cascade. The cascade is
// unpacked once per instance; give every worker its own detector.
type PigoDetector struct {
	classifier *pigo.Pigo
}

// NewPigoDetector loads the binary cascade at path (e.g. pigo's "facefinder").
func NewPigoDetector(path string) (*PigoDetector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read face cascade %s: %w", path, err)
	}
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack face cascade %s: %w", path, err)
	}
	return &PigoDetector{classifier: classifier}, nil
}

// Detect runs the cascade over a grayscale copy of img at scales from
// minFaceSize up to the image's larger side. Clustered detections supported by
// fewer than minNeighbors raw hits are discarded.
func (d *PigoDetector) Detect(img image.Image) []image.Rectangle {
	src := pigo.ImgToNRGBA(img)
	cols, rows := src.Bounds().Dx(), src.Bounds().Dy()
	if cols < minFaceSize || rows < minFaceSize {
		return nil
	}

	params := pigo.CascadeParams{
		MinSize:     minFaceSize,
		MaxSize:     max(cols, rows),
		ShiftFactor: shiftFactor,
		ScaleFactor: scaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(src),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}
	raw := d.classifier.RunCascade(params, 0.0)
	clustered := d.classifier.ClusterDetections(raw, iouThreshold)

	origin := img.Bounds().Min
	var boxes []image.Rectangle
	for _, c := range clustered {
		if neighbors(c, raw) < minNeighbors {
			continue
		}
		boxes = append(boxes, detectionRect(c).Add(origin))
	}
	return boxes
}

func detectionRect(det pigo.Detection) image.Rectangle {
	half := det.Scale / 2
	return image.Rect(det.Col-half, det.Row-half, det.Col-half+det.Scale, det.Row-half+det.Scale)
}

// neighbors counts raw detections overlapping c by more than iouThreshold.
func neighbors(c pigo.Detection, raw []pigo.Detection) int {
	cr := detectionRect(c)
	n := 0
	for _, r := range raw {
		if iou(cr, detectionRect(r)) > iouThreshold {
			n++
		}
	}
	return n
}

func iou(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - ia
	return ia / union
}
