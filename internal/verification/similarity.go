package verification

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"presence/internal/apperr"
)

// Comparator scores how alike two raw samples are, in [0, 1].
type Comparator interface {
	Compare(sample, reference []byte) (float64, error)
}

// ImageComparator reduces both images to small grayscale thumbnails and
// returns the correlation of their pixel intensities, floored at zero. The
// result depends only on the two inputs.
type ImageComparator struct {
	Size int
}

// NewImageComparator returns a comparator working on 32x32 thumbnails.
func NewImageComparator() ImageComparator { return ImageComparator{Size: 32} }

func (c ImageComparator) Compare(sample, reference []byte) (float64, error) {
	a, err := c.vector(sample)
	if err != nil {
		return 0, fmt.Errorf("decode sample: %w: %w", apperr.ErrInvalidInput, err)
	}
	b, err := c.vector(reference)
	if err != nil {
		return 0, fmt.Errorf("decode reference: %w", err)
	}
	return centeredCosine(a, b), nil
}

func (c ImageComparator) vector(raw []byte) ([]float64, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	size := c.Size
	if size <= 0 {
		size = 32
	}
	thumb := imaging.Resize(imaging.Grayscale(img), size, size, imaging.Lanczos)
	return grayValues(thumb), nil
}

func grayValues(img *image.NRGBA) []float64 {
	b := img.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			out = append(out, float64(row[x*4]))
		}
	}
	return out
}

func centeredCosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	meanA, meanB := mean(a), mean(b)
	var dot, normA, normB float64
	for i := range a {
		da, db := a[i]-meanA, b[i]-meanB
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		// Flat images carry no structure; only an exact match counts.
		if normA == normB && meanA == meanB {
			return 1
		}
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	switch {
	case sim < 0:
		return 0
	case sim > 1:
		return 1
	}
	return sim
}

func mean(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}
