// Package engine is the boundary to the model execution layer. The cluster core treats every call as an
// opaque, possibly long-running operation.
package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/model"
	"github.com/scusemua/mlcommons-cluster/common/output"
)

const (
	// UploadDir holds uploaded model content, one subdirectory per model id.
	UploadDir = "upload"

	// LoadDir holds the files of models loaded on this node, one subdirectory per model id.
	LoadDir = "load"

	// CacheDir holds scratch files produced while training, one subdirectory per model id.
	CacheDir = "cache"
)

// CacheDirs lists the model cache directories, relative to the engine's ModelCacheRoot.
var CacheDirs = []string{UploadDir, LoadDir, CacheDir}

var (
	ErrModelNotLoaded = errors.New("model is not loaded on this node")
)

// Engine performs model work.
type Engine interface {
	// Register stores the content of an uploaded model.
	Register(ctx context.Context, registration *model.Registration) error

	// Load loads a model on this node.
	Load(ctx context.Context, modelID string, functionName string) error

	// Unload releases a model loaded on this node.
	Unload(ctx context.Context, modelID string) error

	// Predict runs inference with a loaded model.
	Predict(ctx context.Context, modelID string, input []byte) (*output.PredictionOutput, error)

	// Train trains a new model with the named algorithm.
	Train(ctx context.Context, functionName string, input []byte) (*output.TrainingOutput, error)

	// Execute runs a function that needs no model, such as a data transformation, and returns the events it
	// produced.
	Execute(ctx context.Context, functionName string, input []byte) (*output.EventsOutput, error)

	// ModelCacheRoot is the directory under which the engine keeps per-model files.
	ModelCacheRoot() string
}

// ModelDirs returns, for each cache directory under root, the ids of the models that have a subdirectory there.
func ModelDirs(root string) (map[string][]string, error) {
	dirs := make(map[string][]string, len(CacheDirs))
	for _, dir := range CacheDirs {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list model cache directory \"%s\"", dir)
		}

		for _, entry := range entries {
			if entry.IsDir() {
				dirs[dir] = append(dirs[dir], entry.Name())
			}
		}
	}
	return dirs, nil
}

// ModelDir returns the directory of modelID under the given cache directory.
func ModelDir(root string, dir string, modelID string) string {
	return filepath.Join(root, dir, modelID)
}
