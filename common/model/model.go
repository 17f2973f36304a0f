package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/scusemua/mlcommons-cluster/common/storage"
	"github.com/scusemua/mlcommons-cluster/common/wire"
	"golang.org/x/exp/slices"
)

// State is the cluster-wide deployment state of a model.
type State string

const (
	Registering     State = "REGISTERING"
	Registered      State = "REGISTERED"
	Loading         State = "LOADING"
	Loaded          State = "LOADED"
	PartiallyLoaded State = "PARTIALLY_LOADED"
	LoadFailed      State = "LOAD_FAILED"
	Unloaded        State = "UNLOADED"
)

func (s State) String() string {
	return string(s)
}

// StateForWorkerCount derives a model's state from the number of nodes currently hosting it and the number it
// was meant to be loaded on.
func StateForWorkerCount(current int, target int) State {
	switch {
	case current <= 0:
		return LoadFailed
	case current < target:
		return PartiallyLoaded
	default:
		return Loaded
	}
}

// Model is the persisted record of a model.
type Model struct {
	ModelID                 string
	Name                    string
	FunctionName            string
	Version                 string
	State                   State
	PlanningWorkerNodeCount int
	CurrentWorkerNodeCount  int
	PlanningWorkerNodes     []string
	LastUpdateTime          time.Time
}

func (m *Model) Document() storage.Document {
	doc := storage.Document{
		"model_id":                   m.ModelID,
		"model_state":                m.State.String(),
		"planning_worker_node_count": m.PlanningWorkerNodeCount,
		"current_worker_node_count":  m.CurrentWorkerNodeCount,
		"planning_worker_nodes":      slices.Clone(m.PlanningWorkerNodes),
		"last_update_time":           m.LastUpdateTime.UnixMilli(),
	}

	if m.Name != "" {
		doc["name"] = m.Name
	}
	if m.FunctionName != "" {
		doc["function_name"] = m.FunctionName
	}
	if m.Version != "" {
		doc["version"] = m.Version
	}

	return doc
}

func FromDocument(doc storage.Document) *Model {
	return &Model{
		ModelID:                 doc.String("model_id"),
		Name:                    doc.String("name"),
		FunctionName:            doc.String("function_name"),
		Version:                 doc.String("version"),
		State:                   State(doc.String("model_state")),
		PlanningWorkerNodeCount: int(doc.Int64("planning_worker_node_count")),
		CurrentWorkerNodeCount:  int(doc.Int64("current_worker_node_count")),
		PlanningWorkerNodes:     doc.Strings("planning_worker_nodes"),
		LastUpdateTime:          doc.Time("last_update_time"),
	}
}

// Registration is the payload of a model upload. It travels embedded in forward requests.
type Registration struct {
	ModelID      string
	Name         string
	FunctionName string
	Version      string
	Description  string
	Content      []byte
}

// NewRegistration returns a registration with a fresh model id.
func NewRegistration(name string, functionName string, version string) *Registration {
	return &Registration{
		ModelID:      uuid.NewString(),
		Name:         name,
		FunctionName: functionName,
		Version:      version,
	}
}

func (r *Registration) MarshalWire(enc *wire.Encoder) {
	enc.String(1, r.ModelID)
	enc.String(2, r.Name)
	enc.String(3, r.FunctionName)
	enc.String(4, r.Version)
	enc.String(5, r.Description)
	enc.RawBytes(6, r.Content)
}

func (r *Registration) UnmarshalWire(dec *wire.Decoder) error {
	for dec.Next() {
		switch dec.Field() {
		case 1:
			r.ModelID = dec.String()
		case 2:
			r.Name = dec.String()
		case 3:
			r.FunctionName = dec.String()
		case 4:
			r.Version = dec.String()
		case 5:
			r.Description = dec.String()
		case 6:
			r.Content = slices.Clone(dec.RawBytes())
		default:
			dec.Skip()
		}
	}
	return dec.Err()
}
