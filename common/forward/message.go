package forward

import (
	"fmt"

	"github.com/scusemua/mlcommons-cluster/common/model"
	"github.com/scusemua/mlcommons-cluster/common/output"
	"github.com/scusemua/mlcommons-cluster/common/task"
	"github.com/scusemua/mlcommons-cluster/common/wire"
)

// RequestType tags what a forward request asks the receiver to do.
type RequestType string

const (
	// LoadModelDone reports that a worker node finished loading a model.
	LoadModelDone RequestType = "LOAD_MODEL_DONE"

	// UploadModel asks the receiver to register an uploaded model.
	UploadModel RequestType = "UPLOAD_MODEL"

	// TaskUpdate carries a new snapshot of a task to the node that accepted it.
	TaskUpdate RequestType = "TASK_UPDATE"

	// ExecuteTask asks the receiver to execute a task it was dispatched.
	ExecuteTask RequestType = "EXECUTE_TASK"
)

func (t RequestType) String() string {
	return string(t)
}

const (
	StatusOK = "ok"
)

// Request is a point-to-point message between two nodes.
type Request struct {
	TaskID       string
	ModelID      string
	WorkerNodeID string
	OriginNodeID string
	RequestType  RequestType
	Task         *task.Task
	Error        string

	// WorkerNodes lists worker node ids, used when a placement change covers several nodes.
	WorkerNodes []string

	Registration *model.Registration
}

func (r *Request) String() string {
	return fmt.Sprintf("ForwardRequest[Type=%s, Task=%s, Model=%s, Worker=%s]", r.RequestType, r.TaskID, r.ModelID, r.WorkerNodeID)
}

func (r *Request) MarshalWire(enc *wire.Encoder) {
	enc.String(1, r.TaskID)
	enc.String(2, r.ModelID)
	enc.String(3, r.WorkerNodeID)
	enc.String(4, r.OriginNodeID)
	enc.String(5, r.RequestType.String())
	if r.Task != nil {
		enc.Message(6, r.Task)
	}
	enc.String(7, r.Error)
	enc.Strings(8, r.WorkerNodes)
	if r.Registration != nil {
		enc.Message(9, r.Registration)
	}
}

func (r *Request) UnmarshalWire(dec *wire.Decoder) error {
	for dec.Next() {
		switch dec.Field() {
		case 1:
			r.TaskID = dec.String()
		case 2:
			r.ModelID = dec.String()
		case 3:
			r.WorkerNodeID = dec.String()
		case 4:
			r.OriginNodeID = dec.String()
		case 5:
			r.RequestType = RequestType(dec.String())
		case 6:
			r.Task = &task.Task{}
			dec.Message(r.Task)
		case 7:
			r.Error = dec.String()
		case 8:
			r.WorkerNodes = append(r.WorkerNodes, dec.String())
		case 9:
			r.Registration = &model.Registration{}
			dec.Message(r.Registration)
		default:
			dec.Skip()
		}
	}
	return dec.Err()
}

// Response is the reply to a Request.
type Response struct {
	Status string
	Output output.Output
}

func (r *Response) MarshalWire(enc *wire.Encoder) {
	enc.String(1, r.Status)
	output.Encode(enc, 2, r.Output)
}

func (r *Response) UnmarshalWire(dec *wire.Decoder) error {
	for dec.Next() {
		switch dec.Field() {
		case 1:
			r.Status = dec.String()
		case 2:
			out, err := output.Decode(dec)
			if err != nil {
				return err
			}
			r.Output = out
		default:
			dec.Skip()
		}
	}
	return dec.Err()
}
