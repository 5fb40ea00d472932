package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-vibi/checkpoints"
	"github.com/tsawler/go-vibi/model"
)

// Checkpoint builds a record of the current run state.
func (t *Trainer) Checkpoint() (*checkpoints.Checkpoint, error) {
	optState, err := t.opt.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "optimizer state")
	}
	cp := &checkpoints.Checkpoint{
		Iteration:      t.session.Iter,
		Epoch:          t.session.Epoch,
		History:        t.history.Clone(),
		OptimizerState: optState,
		Args:           t.cfg.Args,
	}
	cp.ModelStates.Net = checkpoints.ExtractWeights(t.net.Params())
	cp.ModelStates.NetEMA = checkpoints.ExtractWeights(t.ema.Params())
	cp.Metadata.RunID = t.cfg.RunID
	cp.Metadata.Description = t.cfg.ModelName
	return cp, nil
}

// Save writes the current run state to path.
func (t *Trainer) Save(path string) error {
	if path == "" {
		return errors.New("save checkpoint: no path configured")
	}
	cp, err := t.Checkpoint()
	if err != nil {
		return err
	}
	if err := t.saver.SaveCheckpoint(cp, path); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	t.logger.Printf("=> saved checkpoint '%s' (iter %d)", path, cp.Iteration)
	return nil
}

// Load restores counters, history, both parameter sets and the optimizer
// state from path. A missing file is logged and leaves the trainer as is.
func (t *Trainer) Load(path string) error {
	cp, err := t.saver.LoadCheckpoint(path)
	if errors.Is(err, checkpoints.ErrNotFound) {
		t.logger.Printf("=> no checkpoint found at '%s'", path)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load checkpoint")
	}

	// Stage both parameter sets so a bad record leaves the trainer intact.
	net := t.net.Params().Clone()
	if err := checkpoints.LoadWeights(cp.ModelStates.Net, net); err != nil {
		return errors.Wrap(err, "load net weights")
	}
	ema := t.ema.Params().Clone()
	if err := checkpoints.LoadWeights(cp.ModelStates.NetEMA, ema); err != nil {
		return errors.Wrap(err, "load ema weights")
	}
	if cp.OptimizerState != nil {
		if err := t.opt.LoadState(cp.OptimizerState); err != nil {
			return errors.Wrap(err, "load optimizer state")
		}
	}

	if err := copyParams(t.net.Params(), net); err != nil {
		return err
	}
	if err := t.ema.Load(ema); err != nil {
		return err
	}
	t.session.Iter = cp.Iteration
	t.session.Epoch = cp.Epoch
	t.history = NewHistory()
	for k, v := range cp.History {
		t.history[k] = v
	}
	t.logger.Printf("=> loaded checkpoint '%s' (iter %d)", path, cp.Iteration)
	return nil
}

func copyParams(dst, src *model.Params) error {
	return errors.Wrap(dst.CopyFrom(src), "restore parameters")
}
