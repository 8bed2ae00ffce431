package wct2

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/pkg/errors"
)

// PersistenceError reports a failure to save or load the model weights.
// A missing artifact on load is NOT a PersistenceError: that is a normal
// cold start, see LoadWeights.
type PersistenceError struct {
	Op   string // "save" or "load".
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("wct2: %s weights at %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// weightsDir is the checkpoint directory under the model's base dir. It
// holds every context variable: the (optionally pretrained) backbone scope
// and the trained decoder.
func (m *Model) weightsDir() string {
	return filepath.Join(m.baseDir, "wct2")
}

// checkpointHandler lazily attaches the checkpoint handler to the model
// context. Attaching loads the most recent checkpoint, if any.
func (m *Model) checkpointHandler() (*checkpoints.Handler, error) {
	if m.checkpoint == nil {
		handler, err := checkpoints.Build(m.ctx).Dir(m.weightsDir()).Keep(3).Done()
		if err != nil {
			return nil, err
		}
		m.checkpoint = handler
	}
	return m.checkpoint, nil
}

// LoadWeights restores the model weights from the checkpoint directory.
//
// A missing artifact is a normal cold start: it is reported and leaves the
// current (randomly initialized) weights in place, returning nil. Corrupt or
// unreadable checkpoints return a *PersistenceError.
func (m *Model) LoadWeights() error {
	if _, err := os.Stat(m.weightsDir()); errors.Is(err, fs.ErrNotExist) {
		fmt.Printf("No saved weights at %s, starting from scratch\n", m.weightsDir())
		return nil
	}
	if _, err := m.checkpointHandler(); err != nil {
		return &PersistenceError{Op: "load", Path: m.weightsDir(), Err: err}
	}
	return nil
}

// SaveWeights writes the current weights as a new checkpoint, pruning old
// ones. Callers that save periodically (the training loop does) treat the
// returned *PersistenceError as non-fatal.
func (m *Model) SaveWeights() error {
	handler, err := m.checkpointHandler()
	if err != nil {
		return &PersistenceError{Op: "save", Path: m.weightsDir(), Err: err}
	}
	if err := handler.Save(); err != nil {
		return &PersistenceError{Op: "save", Path: m.weightsDir(), Err: err}
	}
	return nil
}
