package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/model"
	"github.com/scusemua/mlcommons-cluster/common/output"
)

// SimulatedEngine stands in for a real model engine. Every operation sleeps for a fixed latency, and models
// are represented by files in the model cache so that cache cleanup has something to act on.
type SimulatedEngine struct {
	log logger.Logger

	root    string
	latency time.Duration

	loaded map[string]string
	mu     sync.Mutex
}

func NewSimulatedEngine(root string, latency time.Duration) (*SimulatedEngine, error) {
	for _, dir := range CacheDirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create model cache directory")
		}
	}

	simulated := &SimulatedEngine{
		root:    root,
		latency: latency,
		loaded:  make(map[string]string),
	}
	config.InitLogger(&simulated.log, simulated)
	return simulated, nil
}

func (e *SimulatedEngine) ModelCacheRoot() string {
	return e.root
}

func (e *SimulatedEngine) sleep(ctx context.Context) error {
	if e.latency <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(e.latency)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *SimulatedEngine) writeModelFile(dir string, modelID string, content []byte) error {
	path := ModelDir(e.root, dir, modelID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, "model.bin"), content, 0o644)
}

func (e *SimulatedEngine) Register(ctx context.Context, registration *model.Registration) error {
	if err := e.sleep(ctx); err != nil {
		return err
	}

	return e.writeModelFile(UploadDir, registration.ModelID, registration.Content)
}

func (e *SimulatedEngine) Load(ctx context.Context, modelID string, functionName string) error {
	if err := e.sleep(ctx); err != nil {
		return err
	}

	if err := e.writeModelFile(LoadDir, modelID, []byte(functionName)); err != nil {
		return errors.Wrapf(err, "failed to load model %s", modelID)
	}

	e.mu.Lock()
	e.loaded[modelID] = functionName
	e.mu.Unlock()

	e.log.Debug("Loaded model %s (%s).", modelID, functionName)
	return nil
}

func (e *SimulatedEngine) Unload(ctx context.Context, modelID string) error {
	e.mu.Lock()
	delete(e.loaded, modelID)
	e.mu.Unlock()

	return os.RemoveAll(ModelDir(e.root, LoadDir, modelID))
}

func (e *SimulatedEngine) IsLoaded(modelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.loaded[modelID]
	return ok
}

func (e *SimulatedEngine) Predict(ctx context.Context, modelID string, input []byte) (*output.PredictionOutput, error) {
	e.mu.Lock()
	functionName, ok := e.loaded[modelID]
	e.mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(ErrModelNotLoaded, "model %s", modelID)
	}

	if err := e.sleep(ctx); err != nil {
		return nil, err
	}

	return &output.PredictionOutput{
		Status: "COMPLETED",
		Result: []byte(fmt.Sprintf("%s(%d bytes)", functionName, len(input))),
	}, nil
}

func (e *SimulatedEngine) Train(ctx context.Context, functionName string, input []byte) (*output.TrainingOutput, error) {
	if err := e.sleep(ctx); err != nil {
		return nil, err
	}

	modelID := uuid.NewString()
	if err := e.writeModelFile(CacheDir, modelID, input); err != nil {
		return nil, errors.Wrapf(err, "failed to store trained model")
	}

	return &output.TrainingOutput{
		ModelID: modelID,
		Status:  "COMPLETED",
	}, nil
}

func (e *SimulatedEngine) Execute(ctx context.Context, functionName string, input []byte) (*output.EventsOutput, error) {
	if err := e.sleep(ctx); err != nil {
		return nil, err
	}

	return &output.EventsOutput{
		Events: []string{fmt.Sprintf("%s processed %d bytes", functionName, len(input))},
	}, nil
}
