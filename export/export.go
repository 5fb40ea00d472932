// Package export writes evaluation batches as images: every sample is drawn
// with the pixels its explanation selected at full intensity and the rest
// dimmed, alongside a JSON sidecar with the label vectors.
package export

import (
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/tensor"
)

// Batch is one exported batch. Index holds, per sample, the selected pixel
// indices in row-major order over Rows x Cols.
type Batch struct {
	X             *tensor.Tensor
	Label         []int
	LabelBlackBox []int
	LabelPred     []int
	Index         [][]int
}

// Exporter renders batches of Channels x Rows x Cols samples.
type Exporter struct {
	Channels int
	Rows     int
	Cols     int
	// PerRow is the number of samples per grid row.
	PerRow int
	// Dim scales unselected pixels, in [0, 1].
	Dim float64
}

// New returns an exporter with 8 samples per row and unselected pixels at
// a quarter of their intensity.
func New(channels, rows, cols int) (*Exporter, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("export: %d channels, expected 1 or 3", channels)
	}
	if rows <= 0 || cols <= 0 {
		return nil, errors.Errorf("export: invalid image size %dx%d", rows, cols)
	}
	return &Exporter{Channels: channels, Rows: rows, Cols: cols, PerRow: 8, Dim: 0.25}, nil
}

type sidecar struct {
	Label         []int   `json:"label,omitempty"`
	LabelBlackBox []int   `json:"label_black_box"`
	LabelPred     []int   `json:"label_pred"`
	Index         [][]int `json:"index"`
}

// SidecarPath returns the JSON file written next to the PNG at path.
func SidecarPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".json"
}

// SaveBatch writes the PNG grid to path and the label sidecar next to it.
func (e *Exporter) SaveBatch(path string, b Batch) error {
	plane := e.Rows * e.Cols
	if b.X == nil || b.X.Cols() != e.Channels*plane {
		return errors.Errorf("export: batch does not hold %dx%dx%d samples", e.Channels, e.Rows, e.Cols)
	}
	n := b.X.Rows()
	if len(b.Index) != n {
		return errors.Errorf("export: %d index rows for %d samples", len(b.Index), n)
	}

	perRow := e.PerRow
	if perRow <= 0 || perRow > n {
		perRow = n
	}
	gridRows := (n + perRow - 1) / perRow
	const pad = 2
	w := perRow*(e.Cols+pad) + pad
	h := gridRows*(e.Rows+pad) + pad
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	for s := 0; s < n; s++ {
		selected := make([]bool, plane)
		for _, p := range b.Index[s] {
			if p < 0 || p >= plane {
				return errors.Errorf("export: sample %d: pixel index %d out of range", s, p)
			}
			selected[p] = true
		}

		x := b.X.Row(s)
		lo, hi := x[0], x[0]
		for _, v := range x {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		scale := 0.0
		if hi > lo {
			scale = 1 / (hi - lo)
		}

		ox := pad + (s%perRow)*(e.Cols+pad)
		oy := pad + (s/perRow)*(e.Rows+pad)
		for p := 0; p < plane; p++ {
			f := 1.0
			if !selected[p] {
				f = e.Dim
			}
			var rgb [3]uint8
			for c := 0; c < 3; c++ {
				ch := c
				if e.Channels == 1 {
					ch = 0
				}
				v := (x[ch*plane+p] - lo) * scale * f
				rgb[c] = uint8(v*255 + 0.5)
			}
			img.Set(ox+p%e.Cols, oy+p/e.Cols, color.RGBA{rgb[0], rgb[1], rgb[2], 255})
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "export: create directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "export: create image")
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrap(err, "export: encode image")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "export: close image")
	}

	meta, err := json.MarshalIndent(sidecar{
		Label:         b.Label,
		LabelBlackBox: b.LabelBlackBox,
		LabelPred:     b.LabelPred,
		Index:         b.Index,
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "export: encode labels")
	}
	return errors.Wrap(os.WriteFile(SidecarPath(path), meta, 0o644), "export: write labels")
}

// FileName returns the image name for a batch: figure_<stem>_<epoch>_<idx>.png
// where stem is the checkpoint name without its extension.
func FileName(checkpointName string, epoch, idx int) string {
	stem := strings.TrimSuffix(filepath.Base(checkpointName), filepath.Ext(checkpointName))
	return "figure_" + stem + "_" + strconv.Itoa(epoch) + "_" + strconv.Itoa(idx) + ".png"
}
