package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/scusemua/mlcommons-cluster/common/storage"
	"github.com/scusemua/mlcommons-cluster/common/types"
	"github.com/scusemua/mlcommons-cluster/common/wire"
	"golang.org/x/exp/slices"
)

// Type is the kind of work a task performs.
type Type string

const (
	LoadModel             Type = "LOAD_MODEL"
	UnloadModel           Type = "UNLOAD_MODEL"
	Prediction            Type = "PREDICTION"
	Training              Type = "TRAINING"
	TrainingAndPrediction Type = "TRAINING_AND_PREDICTION"
	UploadModel           Type = "UPLOAD_MODEL"
	Execution             Type = "EXECUTION"
)

// Types lists every task type.
var Types = []Type{LoadModel, UnloadModel, Prediction, Training, TrainingAndPrediction, UploadModel, Execution}

func (t Type) String() string {
	return string(t)
}

func (t Type) Valid() bool {
	return slices.Contains(Types, t)
}

// State is the lifecycle state of a task.
type State string

const (
	Created            State = "CREATED"
	Running            State = "RUNNING"
	Completed          State = "COMPLETED"
	CompletedWithError State = "COMPLETED_WITH_ERROR"
	Failed             State = "FAILED"
	Cancelled          State = "CANCELLED"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether s is a final state. A task in a final state is never modified again.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, CompletedWithError, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of model work tracked by the cluster.
type Task struct {
	TaskID         string    `json:"task_id"`
	ModelID        string    `json:"model_id,omitempty"`
	TaskType       Type      `json:"task_type"`
	FunctionName   string    `json:"function_name,omitempty"`
	State          State     `json:"state"`
	WorkerNodes    []string  `json:"worker_nodes,omitempty"`
	CreateTime     time.Time `json:"create_time"`
	LastUpdateTime time.Time `json:"last_update_time"`
	Error          string    `json:"error,omitempty"`
	Async          bool      `json:"async"`

	// Input is the opaque payload handed to the model engine.
	Input []byte `json:"-"`
}

// New returns a CREATED task with a fresh id.
func New(taskType Type, modelID string, functionName string, async bool) *Task {
	now := time.UnixMilli(time.Now().UnixMilli())
	return &Task{
		TaskID:         uuid.NewString(),
		ModelID:        modelID,
		TaskType:       taskType,
		FunctionName:   functionName,
		State:          Created,
		CreateTime:     now,
		LastUpdateTime: now,
		Async:          async,
	}
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	clone := *t
	clone.WorkerNodes = slices.Clone(t.WorkerNodes)
	clone.Input = slices.Clone(t.Input)
	return &clone
}

func (t *Task) String() string {
	return fmt.Sprintf("Task[ID=%s, Type=%s, Model=%s, State=%s]", t.TaskID, t.TaskType, t.ModelID, t.State)
}

// Validate returns an InvalidArgument status error if t is missing a required field.
func (t *Task) Validate() error {
	if t == nil {
		return types.InvalidArgument("task is nil")
	}

	if t.TaskID == "" {
		return types.InvalidArgument("task id is required")
	}

	if !t.TaskType.Valid() {
		return types.InvalidArgument("unknown task type \"%s\"", t.TaskType)
	}

	if t.State == "" {
		return types.InvalidArgument("task state is required")
	}

	switch t.TaskType {
	case LoadModel, UnloadModel, Prediction:
		if t.ModelID == "" {
			return types.InvalidArgument("%s task requires a model id", t.TaskType)
		}
	default:
	}

	return nil
}

// Document returns the fields persisted for t.
func (t *Task) Document() storage.Document {
	doc := storage.Document{
		"task_id":          t.TaskID,
		"task_type":        t.TaskType.String(),
		"state":            t.State.String(),
		"create_time":      t.CreateTime.UnixMilli(),
		"last_update_time": t.LastUpdateTime.UnixMilli(),
		"async":            t.Async,
		"worker_nodes":     slices.Clone(t.WorkerNodes),
	}

	if t.ModelID != "" {
		doc["model_id"] = t.ModelID
	}

	if t.FunctionName != "" {
		doc["function_name"] = t.FunctionName
	}

	if t.Error != "" {
		doc["error"] = t.Error
	}

	return doc
}

// FromDocument rebuilds a task from its persisted fields.
func FromDocument(doc storage.Document) *Task {
	return &Task{
		TaskID:         doc.String("task_id"),
		ModelID:        doc.String("model_id"),
		TaskType:       Type(doc.String("task_type")),
		FunctionName:   doc.String("function_name"),
		State:          State(doc.String("state")),
		WorkerNodes:    doc.Strings("worker_nodes"),
		CreateTime:     doc.Time("create_time"),
		LastUpdateTime: doc.Time("last_update_time"),
		Error:          doc.String("error"),
		Async:          doc.Bool("async"),
	}
}

// Field numbers of the Task record. Never reuse a number.
const (
	fieldTaskID         = 1
	fieldModelID        = 2
	fieldTaskType       = 3
	fieldFunctionName   = 4
	fieldState          = 5
	fieldWorkerNodes    = 6
	fieldCreateTime     = 7
	fieldLastUpdateTime = 8
	fieldError          = 9
	fieldAsync          = 10
	fieldInput          = 11
)

func (t *Task) MarshalWire(enc *wire.Encoder) {
	enc.String(fieldTaskID, t.TaskID)
	enc.String(fieldModelID, t.ModelID)
	enc.String(fieldTaskType, t.TaskType.String())
	enc.String(fieldFunctionName, t.FunctionName)
	enc.String(fieldState, t.State.String())
	enc.Strings(fieldWorkerNodes, t.WorkerNodes)
	enc.Time(fieldCreateTime, t.CreateTime)
	enc.Time(fieldLastUpdateTime, t.LastUpdateTime)
	enc.String(fieldError, t.Error)
	enc.Bool(fieldAsync, t.Async)
	enc.RawBytes(fieldInput, t.Input)
}

func (t *Task) UnmarshalWire(dec *wire.Decoder) error {
	for dec.Next() {
		switch dec.Field() {
		case fieldTaskID:
			t.TaskID = dec.String()
		case fieldModelID:
			t.ModelID = dec.String()
		case fieldTaskType:
			t.TaskType = Type(dec.String())
		case fieldFunctionName:
			t.FunctionName = dec.String()
		case fieldState:
			t.State = State(dec.String())
		case fieldWorkerNodes:
			t.WorkerNodes = append(t.WorkerNodes, dec.String())
		case fieldCreateTime:
			t.CreateTime = dec.Time()
		case fieldLastUpdateTime:
			t.LastUpdateTime = dec.Time()
		case fieldError:
			t.Error = dec.String()
		case fieldAsync:
			t.Async = dec.Bool()
		case fieldInput:
			t.Input = slices.Clone(dec.RawBytes())
		default:
			dec.Skip()
		}
	}
	return dec.Err()
}
