package dataset

import (
	"image"
	"image/color"
	_ "image/jpeg" // decoder registration
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/tensor"
	"github.com/tsawler/go-vibi/training"
)

// ImageExtensions are the file types an image folder is scanned for.
var ImageExtensions = []string{".jpg", ".jpeg", ".png"}

// ImageFolderConfig describes how images are decoded into samples.
type ImageFolderConfig struct {
	Channels int // 1 converts to gray, 3 keeps RGB in CHW order
	Rows     int
	Cols     int
	Workers  int
}

// ImageFolder is a directory in which every subdirectory holds the images
// of one class. Classes are indexed in lexical order.
type ImageFolder struct {
	Paths   []string
	Labels  []int
	Classes []string
}

// ScanImageFolder lists root. When classes is non-nil the subdirectories
// must match it exactly, so that splits share one label mapping.
func ScanImageFolder(root string, classes []string) (*ImageFolder, error) {
	entries, err := filepath.Glob(filepath.Join(root, "*"))
	if err != nil {
		return nil, errors.Wrapf(err, "list classes in %s", root)
	}
	f := &ImageFolder{}
	for _, dir := range entries {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		label := len(f.Classes)
		f.Classes = append(f.Classes, filepath.Base(dir))

		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", dir)
		}
		for _, e := range files {
			if e.IsDir() || !hasImageExt(e.Name()) {
				continue
			}
			f.Paths = append(f.Paths, filepath.Join(dir, e.Name()))
			f.Labels = append(f.Labels, label)
		}
	}
	if len(f.Paths) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}
	if classes != nil && strings.Join(classes, "\x00") != strings.Join(f.Classes, "\x00") {
		return nil, errors.Errorf("%s has classes %v, expected %v", root, f.Classes, classes)
	}
	return f, nil
}

func hasImageExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Load decodes every image on cfg.Workers goroutines.
func (f *ImageFolder) Load(cfg ImageFolderConfig) (*training.SimpleDataset, error) {
	if cfg.Channels != 1 && cfg.Channels != 3 {
		return nil, errors.Errorf("image folder: channels must be 1 or 3, got %d", cfg.Channels)
	}
	if cfg.Rows <= 0 || cfg.Cols <= 0 {
		return nil, errors.Errorf("image folder: invalid size %dx%d", cfg.Rows, cfg.Cols)
	}
	workers := max(cfg.Workers, 1)

	samples := make([]training.Sample, len(f.Paths))
	errs := make([]error, len(f.Paths))
	jobs := make(chan int, len(f.Paths))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				x, err := decodeImage(f.Paths[i], cfg)
				if err != nil {
					errs[i] = err
					continue
				}
				samples[i] = training.Sample{X: x, Y: tensor.FromInts([]int{f.Labels[i]})}
			}
		}()
	}
	for i := range f.Paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "image %s", f.Paths[i])
		}
	}
	return training.NewSimpleDataset(samples)
}

// decodeImage reads one file and resamples it (nearest neighbour) to
// rows x cols, scaled to [0, 1].
func decodeImage(path string, cfg ImageFolderConfig) (*tensor.Tensor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}

	b := img.Bounds()
	plane := cfg.Rows * cfg.Cols
	x := make([]float64, cfg.Channels*plane)
	for r := 0; r < cfg.Rows; r++ {
		sy := b.Min.Y + min(r*b.Dy()/cfg.Rows, b.Dy()-1)
		for c := 0; c < cfg.Cols; c++ {
			sx := b.Min.X + min(c*b.Dx()/cfg.Cols, b.Dx()-1)
			px := img.At(sx, sy)
			p := r*cfg.Cols + c
			if cfg.Channels == 1 {
				g := color.Gray16Model.Convert(px).(color.Gray16)
				x[p] = float64(g.Y) / 65535.0
				continue
			}
			cr, cg, cb, _ := px.RGBA()
			x[p] = float64(cr) / 65535.0
			x[plane+p] = float64(cg) / 65535.0
			x[2*plane+p] = float64(cb) / 65535.0
		}
	}
	return tensor.MustNew([]int{len(x)}, x), nil
}

// LoadImageFolders reads root/train, root/valid and root/test. The train
// directory defines the classes.
func LoadImageFolders(root string, cfg ImageFolderConfig) (map[string]training.Dataset, []string, error) {
	out := make(map[string]training.Dataset, 3)
	var classes []string
	for _, split := range []string{Train, Valid, Test} {
		f, err := ScanImageFolder(filepath.Join(root, split), classes)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "dataset: %s split", split)
		}
		classes = f.Classes
		ds, err := f.Load(cfg)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "dataset: %s split", split)
		}
		out[split] = ds
	}
	return out, classes, nil
}
