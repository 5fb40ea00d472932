// Package explainer is a small CPU reference explainer: a linear chunk
// selector, a Gumbel-softmax relaxed top-K sampler, and a linear
// approximator over the masked input.
package explainer

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/chunk"
	"github.com/tsawler/go-vibi/model"
	"github.com/tsawler/go-vibi/tensor"
)

const (
	selectorWeight     = "selector.weight"
	selectorBias       = "selector.bias"
	approximatorWeight = "approximator.weight"
	approximatorBias   = "approximator.bias"
)

// Config describes the explainer geometry.
type Config struct {
	Channels   int
	Rows       int
	Cols       int
	ChunkSize  int
	NumClasses int
	K          int     // chunks selected per sample
	Tau        float64 // Gumbel-softmax temperature
}

// Explainer implements model.Explainer.
type Explainer struct {
	cfg      Config
	grid     *chunk.Grid
	dim      int
	pixChunk []int // input element -> chunk

	params *model.Params
	grads  *model.Params
	rng    *rand.Rand
	seed   int64
	views  int64 // views handed out by Bind

	training bool
	cache    *forwardCache
}

type forwardCache struct {
	x     *tensor.Tensor
	xm    *tensor.Tensor // masked input [B, dim]
	p     []float64   // exp(logP) [B*N]
	c     [][]float64 // relaxed samples per draw [K][B*N]
	argk  []int       // draw that won the max [B*N]
	batch int
}

var _ model.Explainer = (*Explainer)(nil)

// New builds an explainer with zeroed parameters. Call Init before training.
func New(cfg Config) (*Explainer, error) {
	if cfg.Channels <= 0 || cfg.NumClasses <= 1 {
		return nil, errors.Errorf("explainer: invalid config %+v", cfg)
	}
	if cfg.Tau <= 0 {
		return nil, errors.Errorf("explainer: temperature must be positive, got %v", cfg.Tau)
	}
	grid, err := chunk.NewGrid(cfg.Rows, cfg.Cols, cfg.ChunkSize)
	if err != nil {
		return nil, errors.Wrap(err, "explainer")
	}
	if cfg.K <= 0 || cfg.K > grid.NumChunks() {
		return nil, errors.Errorf("explainer: K=%d out of range for %d chunks", cfg.K, grid.NumChunks())
	}

	plane := cfg.Rows * cfg.Cols
	dim := cfg.Channels * plane
	pixChunk := make([]int, dim)
	for i := range pixChunk {
		pixChunk[i] = grid.ChunkOf(i % plane)
	}

	n := grid.NumChunks()
	params := model.NewParams()
	params.Add(selectorWeight, tensor.Zeros(n, dim))
	params.Add(selectorBias, tensor.Zeros(n))
	params.Add(approximatorWeight, tensor.Zeros(cfg.NumClasses, dim))
	params.Add(approximatorBias, tensor.Zeros(cfg.NumClasses))

	return &Explainer{
		cfg:      cfg,
		grid:     grid,
		dim:      dim,
		pixChunk: pixChunk,
		params:   params,
		grads:    params.ZerosLike(),
		rng:      rand.New(rand.NewSource(1)),
		seed:     1,
		training: true,
	}, nil
}

// Init draws Xavier-uniform weights, zeroes biases and reseeds the sampler.
func (e *Explainer) Init(seed int64) {
	e.rng = rand.New(rand.NewSource(seed))
	e.seed, e.views = seed, 0
	for _, name := range []string{selectorWeight, approximatorWeight} {
		w := e.params.Get(name)
		bound := math.Sqrt(6.0 / float64(w.Shape[0]+w.Shape[1]))
		for i := range w.Data {
			w.Data[i] = (e.rng.Float64()*2.0 - 1.0) * bound
		}
	}
	for _, name := range []string{selectorBias, approximatorBias} {
		b := e.params.Get(name)
		for i := range b.Data {
			b.Data[i] = 0
		}
	}
}

// Grid returns the chunk grid the explainer selects over.
func (e *Explainer) Grid() *chunk.Grid { return e.grid }

func (e *Explainer) Params() *model.Params {
	return e.params
}

func (e *Explainer) Grads() *model.Params {
	return e.grads
}

func (e *Explainer) Train() {
	e.training = true
}

func (e *Explainer) IsTraining() bool {
	return e.training
}

// Eval switches to inference mode and drops any cached activations.
func (e *Explainer) Eval() {
	e.training = false
	e.cache = nil
}

// ZeroGrad clears accumulated gradients.
func (e *Explainer) ZeroGrad() {
	e.grads.Each(func(_ string, t *tensor.Tensor) {
		for i := range t.Data {
			t.Data[i] = 0
		}
	})
}

// Bind returns an eval-mode explainer reading p. The view samples from its
// own source, so forwarding through it never advances e's sampler.
func (e *Explainer) Bind(p *model.Params) (model.Explainer, error) {
	if err := e.params.Compatible(p); err != nil {
		return nil, errors.Wrap(err, "explainer: bind")
	}
	e.views++
	seed := e.seed ^ (e.views * 0x5851f42d4c957f2d)
	return &Explainer{
		cfg:      e.cfg,
		grid:     e.grid,
		dim:      e.dim,
		pixChunk: e.pixChunk,
		params:   p,
		grads:    p.ZerosLike(),
		rng:      rand.New(rand.NewSource(seed)),
		seed:     seed,
		training: false,
	}, nil
}

// Forward implements model.Explainer.
func (e *Explainer) Forward(x *tensor.Tensor, numAvg int) (*model.Output, error) {
	if x.Cols() != e.dim {
		return nil, errors.Errorf("explainer: input has %d features per sample, expected %d", x.Cols(), e.dim)
	}
	if numAvg < 0 {
		return nil, errors.Errorf("explainer: numAvg must be non-negative, got %d", numAvg)
	}
	b, n := x.Rows(), e.grid.NumChunks()

	scores, err := tensor.Affine(x, e.params.Get(selectorWeight), e.params.Get(selectorBias))
	if err != nil {
		return nil, errors.Wrap(err, "explainer: selector")
	}
	logP := scores.LogSoftmaxRows()

	top, err := logP.TopKRows(e.cfg.K)
	if err != nil {
		return nil, errors.Wrap(err, "explainer")
	}
	fixed := make([]float64, b*n)
	for i, row := range top {
		for _, c := range row {
			fixed[i*n+c] = 1
		}
	}
	logitFixed, _, err := e.approximate(x, fixed)
	if err != nil {
		return nil, err
	}

	passes := numAvg
	if passes == 0 {
		passes = 1
	}
	logits := make([]*tensor.Tensor, passes)
	var z []float64
	var cache *forwardCache
	for pass := range logits {
		var c [][]float64
		var argk []int
		z, c, argk = e.sample(logP.Data, b)
		var xm *tensor.Tensor
		if logits[pass], xm, err = e.approximate(x, z); err != nil {
			return nil, err
		}
		if numAvg == 0 && e.training {
			p := make([]float64, len(logP.Data))
			for i, v := range logP.Data {
				p[i] = math.Exp(v)
			}
			cache = &forwardCache{x: x, xm: xm, p: p, c: c, argk: argk, batch: b}
		}
	}
	logit := logits[0]
	if numAvg > 0 {
		if logit, err = tensor.Mean(logits); err != nil {
			return nil, errors.Wrap(err, "explainer")
		}
	} else {
		e.cache = cache
	}

	return &model.Output{
		Logit:      logit,
		LogP:       logP,
		Z:          tensor.MustNew([]int{b, n}, z),
		LogitFixed: logitFixed,
	}, nil
}

// sample draws K relaxed one-hot vectors per row and keeps their
// element-wise max.
func (e *Explainer) sample(logP []float64, rows int) (z []float64, c [][]float64, argk []int) {
	n := e.grid.NumChunks()
	z = make([]float64, rows*n)
	argk = make([]int, rows*n)
	c = make([][]float64, e.cfg.K)
	u := make([]float64, n)
	for k := range c {
		c[k] = make([]float64, rows*n)
		for r := 0; r < rows; r++ {
			lp := logP[r*n : (r+1)*n]
			hi := math.Inf(-1)
			for i := range u {
				g := -math.Log(-math.Log(e.uniform()))
				u[i] = (lp[i] + g) / e.cfg.Tau
				if u[i] > hi {
					hi = u[i]
				}
			}
			sum := 0.0
			for i := range u {
				u[i] = math.Exp(u[i] - hi)
				sum += u[i]
			}
			ck := c[k][r*n : (r+1)*n]
			for i := range u {
				ck[i] = u[i] / sum
				if k == 0 || ck[i] > z[r*n+i] {
					z[r*n+i] = ck[i]
					argk[r*n+i] = k
				}
			}
		}
	}
	return z, c, argk
}

// uniform returns a draw from the open interval (0, 1).
func (e *Explainer) uniform() float64 {
	for {
		if v := e.rng.Float64(); v > 0 {
			return v
		}
	}
}

// approximate classifies x with every element scaled by its chunk's mask.
func (e *Explainer) approximate(x *tensor.Tensor, mask []float64) (*tensor.Tensor, *tensor.Tensor, error) {
	b, n := x.Rows(), e.grid.NumChunks()
	xm := tensor.Zeros(b, e.dim)
	for r := 0; r < b; r++ {
		for i := 0; i < e.dim; i++ {
			xm.Data[r*e.dim+i] = x.Data[r*e.dim+i] * mask[r*n+e.pixChunk[i]]
		}
	}
	logit, err := tensor.Affine(xm, e.params.Get(approximatorWeight), e.params.Get(approximatorBias))
	if err != nil {
		return nil, nil, errors.Wrap(err, "explainer: approximator")
	}
	return logit, xm, nil
}

// Backward implements model.Explainer.
func (e *Explainer) Backward(dLogit, dLogP *tensor.Tensor) error {
	fc := e.cache
	if fc == nil {
		return errors.New("explainer: backward without a training-mode forward")
	}
	b, n, classes := fc.batch, e.grid.NumChunks(), e.cfg.NumClasses
	if dLogit.Rows() != b || dLogit.Cols() != classes {
		return errors.Errorf("explainer: dLogit shape %v, expected [%d %d]", dLogit.Shape, b, classes)
	}
	if dLogP.Rows() != b || dLogP.Cols() != n {
		return errors.Errorf("explainer: dLogP shape %v, expected [%d %d]", dLogP.Shape, b, n)
	}

	gWc, gBc := e.grads.Get(approximatorWeight), e.grads.Get(approximatorBias)
	gWs, gBs := e.grads.Get(selectorWeight), e.grads.Get(selectorBias)
	x := fc.x.Data

	tensor.AddColSums(gBc.Data, dLogit)
	if err := tensor.AddTMul(gWc, dLogit, fc.xm); err != nil {
		return errors.Wrap(err, "explainer: approximator grad")
	}
	dXm, err := tensor.MatMul(dLogit, e.params.Get(approximatorWeight))
	if err != nil {
		return errors.Wrap(err, "explainer: approximator grad")
	}
	// xm_i = x_i * z_chunk(i)
	dZ := make([]float64, b*n)
	for r := 0; r < b; r++ {
		for i := 0; i < e.dim; i++ {
			dZ[r*n+e.pixChunk[i]] += dXm.Data[r*e.dim+i] * x[r*e.dim+i]
		}
	}

	dlp := make([]float64, b*n)
	copy(dlp, dLogP.Data)
	dc := make([]float64, n)
	for k, ck := range fc.c {
		for r := 0; r < b; r++ {
			row := ck[r*n : (r+1)*n]
			dot := 0.0
			for i := range dc {
				dc[i] = 0
				if fc.argk[r*n+i] == k {
					dc[i] = dZ[r*n+i]
				}
				dot += dc[i] * row[i]
			}
			for i := range dc {
				dlp[r*n+i] += row[i] * (dc[i] - dot) / e.cfg.Tau
			}
		}
	}

	dScores := tensor.Zeros(b, n)
	for r := 0; r < b; r++ {
		g := dlp[r*n : (r+1)*n]
		p := fc.p[r*n : (r+1)*n]
		sum := 0.0
		for _, v := range g {
			sum += v
		}
		for c, v := range g {
			dScores.Data[r*n+c] = v - p[c]*sum
		}
	}
	tensor.AddColSums(gBs.Data, dScores)
	return errors.Wrap(tensor.AddTMul(gWs, dScores, fc.x), "explainer: selector grad")
}

