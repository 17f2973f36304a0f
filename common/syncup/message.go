package syncup

import (
	"fmt"
	"time"

	"github.com/scusemua/mlcommons-cluster/common/wire"
)

// Input is the payload of one sync-up request. Every field is optional; a node applies only what is present.
type Input struct {
	// AddedWorkerNodes maps a model id to worker nodes that now host it.
	AddedWorkerNodes map[string][]string

	// RemovedWorkerNodes maps a model id to worker nodes that no longer host it.
	RemovedWorkerNodes map[string][]string

	// ModelRoutingTable replaces the receiver's whole placement table, unless ClearRoutingTable is set.
	ModelRoutingTable map[string][]string

	// ClearRoutingTable empties the receiver's placement table. It takes precedence over ModelRoutingTable.
	ClearRoutingTable bool

	// GetLoadedModels asks the receiver to report its loaded models and running load tasks.
	GetLoadedModels bool

	// SyncRunningLoadModelTasks asks the receiver to refresh the cached load tasks listed in
	// RunningLoadModelTasks.
	SyncRunningLoadModelTasks bool

	// RunningLoadModelTasks maps the id of a LOAD_MODEL task to the worker nodes still running it.
	RunningLoadModelTasks map[string][]string

	// DeltaTimestamp orders this request's placement changes against others for the same model and node.
	DeltaTimestamp time.Time
}

func (in *Input) String() string {
	return fmt.Sprintf("SyncUpInput[Added=%d, Removed=%d, Table=%d, Clear=%v, GetLoaded=%v, SyncRunning=%v]",
		len(in.AddedWorkerNodes), len(in.RemovedWorkerNodes), len(in.ModelRoutingTable), in.ClearRoutingTable,
		in.GetLoadedModels, in.SyncRunningLoadModelTasks)
}

func (in *Input) MarshalWire(enc *wire.Encoder) {
	enc.StringSetMap(1, in.AddedWorkerNodes)
	enc.StringSetMap(2, in.RemovedWorkerNodes)
	enc.StringSetMap(3, in.ModelRoutingTable)
	enc.Bool(4, in.ClearRoutingTable)
	enc.Bool(5, in.GetLoadedModels)
	enc.Bool(6, in.SyncRunningLoadModelTasks)
	enc.StringSetMap(7, in.RunningLoadModelTasks)
	enc.Time(8, in.DeltaTimestamp)
}

func (in *Input) UnmarshalWire(dec *wire.Decoder) error {
	for dec.Next() {
		switch dec.Field() {
		case 1:
			in.AddedWorkerNodes = decodeEntry(dec, in.AddedWorkerNodes)
		case 2:
			in.RemovedWorkerNodes = decodeEntry(dec, in.RemovedWorkerNodes)
		case 3:
			in.ModelRoutingTable = decodeEntry(dec, in.ModelRoutingTable)
		case 4:
			in.ClearRoutingTable = dec.Bool()
		case 5:
			in.GetLoadedModels = dec.Bool()
		case 6:
			in.SyncRunningLoadModelTasks = dec.Bool()
		case 7:
			in.RunningLoadModelTasks = decodeEntry(dec, in.RunningLoadModelTasks)
		case 8:
			in.DeltaTimestamp = dec.Time()
		default:
			dec.Skip()
		}
	}
	return dec.Err()
}

func decodeEntry(dec *wire.Decoder, m map[string][]string) map[string][]string {
	if m == nil {
		m = make(map[string][]string)
	}
	dec.StringSetEntry(m)
	return m
}

// NodeResponse is one node's reply to a sync-up request.
type NodeResponse struct {
	NodeID                  string
	Status                  string
	LoadedModelIDs          []string
	RunningLoadModelTaskIDs []string
	RunningLoadModelIDs     []string
}

func (r *NodeResponse) MarshalWire(enc *wire.Encoder) {
	enc.String(1, r.NodeID)
	enc.String(2, r.Status)
	enc.Strings(3, r.LoadedModelIDs)
	enc.Strings(4, r.RunningLoadModelTaskIDs)
	enc.Strings(5, r.RunningLoadModelIDs)
}

func (r *NodeResponse) UnmarshalWire(dec *wire.Decoder) error {
	for dec.Next() {
		switch dec.Field() {
		case 1:
			r.NodeID = dec.String()
		case 2:
			r.Status = dec.String()
		case 3:
			r.LoadedModelIDs = append(r.LoadedModelIDs, dec.String())
		case 4:
			r.RunningLoadModelTaskIDs = append(r.RunningLoadModelTaskIDs, dec.String())
		case 5:
			r.RunningLoadModelIDs = append(r.RunningLoadModelIDs, dec.String())
		default:
			dec.Skip()
		}
	}
	return dec.Err()
}

// NodesResponse aggregates the replies of a fan-out. A node appears either in Responses or in Failures.
type NodesResponse struct {
	Responses []*NodeResponse

	// Failures maps a node id to the error that node's request failed with.
	Failures map[string]error
}

// Failed reports whether the request to nodeID failed.
func (r *NodesResponse) Failed(nodeID string) bool {
	_, ok := r.Failures[nodeID]
	return ok
}
