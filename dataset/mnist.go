package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/tensor"
	"github.com/tsawler/go-vibi/training"
)

const (
	idxImageMagic = 0x00000803
	idxLabelMagic = 0x00000801
)

// MNIST file names inside the data directory. A ".gz" variant is used when
// the plain file is absent.
var mnistFiles = map[string][2]string{
	Train: {"train-images-idx3-ubyte", "train-labels-idx1-ubyte"},
	Test:  {"t10k-images-idx3-ubyte", "t10k-labels-idx1-ubyte"},
}

// LoadMNIST reads the IDX files in dir. The last validFraction of the
// training file becomes the validation split.
func LoadMNIST(dir string, validFraction float64) (map[string]training.Dataset, error) {
	if validFraction < 0 || validFraction >= 1 {
		return nil, errors.Errorf("dataset: valid fraction %v out of [0, 1)", validFraction)
	}
	out := make(map[string]training.Dataset, 3)
	for split, files := range mnistFiles {
		samples, err := ReadIDX(filepath.Join(dir, files[0]), filepath.Join(dir, files[1]))
		if err != nil {
			return nil, errors.Wrapf(err, "dataset: mnist %s", split)
		}
		ds, err := training.NewSimpleDataset(samples)
		if err != nil {
			return nil, err
		}
		out[split] = ds
	}

	full := out[Train]
	nValid := int(float64(full.Len()) * validFraction)
	train, err := training.NewSubsetDataset(full, 0, full.Len()-nValid)
	if err != nil {
		return nil, err
	}
	valid, err := training.NewSubsetDataset(full, full.Len()-nValid, nValid)
	if err != nil {
		return nil, err
	}
	out[Train], out[Valid] = train, valid
	return out, nil
}

func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) && !strings.HasSuffix(path, ".gz") {
		return openMaybeGzip(path + ".gz")
	}
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "gunzip %s", path)
	}
	return struct {
		io.Reader
		io.Closer
	}{zr, f}, nil
}

// ReadIDX decodes an IDX image file and its label file into samples of
// shape [rows*cols] with intensities scaled to [0, 1].
func ReadIDX(imagesPath, labelsPath string) ([]training.Sample, error) {
	fi, err := openMaybeGzip(imagesPath)
	if err != nil {
		return nil, errors.Wrap(err, "open images")
	}
	defer fi.Close()
	fl, err := openMaybeGzip(labelsPath)
	if err != nil {
		return nil, errors.Wrap(err, "open labels")
	}
	defer fl.Close()

	img, lbl := bufio.NewReader(fi), bufio.NewReader(fl)

	var ih [4]uint32
	if err := binary.Read(img, binary.BigEndian, &ih); err != nil {
		return nil, errors.Wrap(err, "read image header")
	}
	if ih[0] != idxImageMagic {
		return nil, errors.Errorf("bad image magic %#x", ih[0])
	}
	var lh [2]uint32
	if err := binary.Read(lbl, binary.BigEndian, &lh); err != nil {
		return nil, errors.Wrap(err, "read label header")
	}
	if lh[0] != idxLabelMagic {
		return nil, errors.Errorf("bad label magic %#x", lh[0])
	}
	n, rows, cols := int(ih[1]), int(ih[2]), int(ih[3])
	if int(lh[1]) != n {
		return nil, errors.Errorf("%d images but %d labels", n, lh[1])
	}

	samples := make([]training.Sample, n)
	buf := make([]byte, rows*cols)
	for i := range samples {
		if _, err := io.ReadFull(img, buf); err != nil {
			return nil, errors.Wrapf(err, "read image %d", i)
		}
		c, err := lbl.ReadByte()
		if err != nil {
			return nil, errors.Wrapf(err, "read label %d", i)
		}
		x := make([]float64, len(buf))
		for p, v := range buf {
			x[p] = float64(v) / 255.0
		}
		samples[i] = training.Sample{
			X: tensor.MustNew([]int{len(x)}, x),
			Y: tensor.FromInts([]int{int(c)}),
		}
	}
	return samples, nil
}

// WriteIDX writes samples as an IDX image/label file pair. Intensities are
// clamped to [0, 1].
func WriteIDX(imagesPath, labelsPath string, samples []training.Sample, rows, cols int) error {
	var img, lbl []byte
	img = binary.BigEndian.AppendUint32(img, idxImageMagic)
	img = binary.BigEndian.AppendUint32(img, uint32(len(samples)))
	img = binary.BigEndian.AppendUint32(img, uint32(rows))
	img = binary.BigEndian.AppendUint32(img, uint32(cols))
	lbl = binary.BigEndian.AppendUint32(lbl, idxLabelMagic)
	lbl = binary.BigEndian.AppendUint32(lbl, uint32(len(samples)))

	for i, s := range samples {
		if s.X.NumElems != rows*cols {
			return errors.Errorf("sample %d has %d pixels, expected %d", i, s.X.NumElems, rows*cols)
		}
		for _, v := range s.X.Data {
			v = min(max(v, 0), 1)
			img = append(img, byte(v*255+0.5))
		}
		lbl = append(lbl, byte(s.Y.Data[0]))
	}
	if err := os.WriteFile(imagesPath, img, 0644); err != nil {
		return errors.Wrap(err, "write images")
	}
	return errors.Wrap(os.WriteFile(labelsPath, lbl, 0644), "write labels")
}
