// Package output defines the typed results that model work produces and that travel back in forward
// responses.
//
// Output is a closed union: the only implementations are the four types in this package, and every boundary
// that encodes or decodes an Output switches over Kind exhaustively.
package output

import (
	"fmt"

	"github.com/scusemua/mlcommons-cluster/common/wire"
	"golang.org/x/exp/slices"
)

// Kind tags the concrete type of an Output.
type Kind string

const (
	KindTraining   Kind = "TRAINING"
	KindPrediction Kind = "PREDICTION"
	KindTask       Kind = "TASK"
	KindEvents     Kind = "EVENTS"
)

var ErrUnknownKind = fmt.Errorf("unknown output kind")

// Output is a result of model work.
type Output interface {
	wire.Marshaler
	wire.Unmarshaler

	Kind() Kind

	// sealed keeps the union closed to this package.
	sealed()
}

// TrainingOutput reports the model produced by a training task.
type TrainingOutput struct {
	ModelID string
	TaskID  string
	Status  string
}

func (o *TrainingOutput) Kind() Kind { return KindTraining }
func (o *TrainingOutput) sealed()    {}

func (o *TrainingOutput) MarshalWire(enc *wire.Encoder) {
	enc.String(1, o.ModelID)
	enc.String(2, o.TaskID)
	enc.String(3, o.Status)
}

func (o *TrainingOutput) UnmarshalWire(dec *wire.Decoder) error {
	for dec.Next() {
		switch dec.Field() {
		case 1:
			o.ModelID = dec.String()
		case 2:
			o.TaskID = dec.String()
		case 3:
			o.Status = dec.String()
		default:
			dec.Skip()
		}
	}
	return dec.Err()
}

// PredictionOutput carries the engine's prediction result, opaque to the cluster.
type PredictionOutput struct {
	TaskID string
	Status string
	Result []byte
}

func (o *PredictionOutput) Kind() Kind { return KindPrediction }
func (o *PredictionOutput) sealed()    {}

func (o *PredictionOutput) MarshalWire(enc *wire.Encoder) {
	enc.String(1, o.TaskID)
	enc.String(2, o.Status)
	enc.RawBytes(3, o.Result)
}

func (o *PredictionOutput) UnmarshalWire(dec *wire.Decoder) error {
	for dec.Next() {
		switch dec.Field() {
		case 1:
			o.TaskID = dec.String()
		case 2:
			o.Status = dec.String()
		case 3:
			o.Result = slices.Clone(dec.RawBytes())
		default:
			dec.Skip()
		}
	}
	return dec.Err()
}

// TaskOutput reports the id and state of an asynchronous task.
type TaskOutput struct {
	TaskID string
	Status string
	Error  string
}

func (o *TaskOutput) Kind() Kind { return KindTask }
func (o *TaskOutput) sealed()    {}

func (o *TaskOutput) MarshalWire(enc *wire.Encoder) {
	enc.String(1, o.TaskID)
	enc.String(2, o.Status)
	enc.String(3, o.Error)
}

func (o *TaskOutput) UnmarshalWire(dec *wire.Decoder) error {
	for dec.Next() {
		switch dec.Field() {
		case 1:
			o.TaskID = dec.String()
		case 2:
			o.Status = dec.String()
		case 3:
			o.Error = dec.String()
		default:
			dec.Skip()
		}
	}
	return dec.Err()
}

// EventsOutput is a raw list of events emitted by the engine.
type EventsOutput struct {
	Events []string
}

func (o *EventsOutput) Kind() Kind { return KindEvents }
func (o *EventsOutput) sealed()    {}

func (o *EventsOutput) MarshalWire(enc *wire.Encoder) {
	enc.Strings(1, o.Events)
}

func (o *EventsOutput) UnmarshalWire(dec *wire.Decoder) error {
	for dec.Next() {
		switch dec.Field() {
		case 1:
			o.Events = append(o.Events, dec.String())
		default:
			dec.Skip()
		}
	}
	return dec.Err()
}

// New returns an empty Output of the given kind.
func New(kind Kind) (Output, error) {
	switch kind {
	case KindTraining:
		return &TrainingOutput{}, nil
	case KindPrediction:
		return &PredictionOutput{}, nil
	case KindTask:
		return &TaskOutput{}, nil
	case KindEvents:
		return &EventsOutput{}, nil
	default:
		return nil, fmt.Errorf("%w: \"%s\"", ErrUnknownKind, kind)
	}
}

// envelope carries an Output together with its Kind.
type envelope struct {
	out Output
}

func (e *envelope) MarshalWire(enc *wire.Encoder) {
	enc.String(1, string(e.out.Kind()))
	enc.Message(2, e.out)
}

func (e *envelope) UnmarshalWire(dec *wire.Decoder) error {
	var (
		kind    Kind
		payload []byte
	)
	for dec.Next() {
		switch dec.Field() {
		case 1:
			kind = Kind(dec.String())
		case 2:
			payload = dec.RawBytes()
		default:
			dec.Skip()
		}
	}
	if err := dec.Err(); err != nil {
		return err
	}

	out, err := New(kind)
	if err != nil {
		return err
	}

	if err = wire.Unmarshal(payload, out); err != nil {
		return err
	}

	e.out = out
	return nil
}

// Encode writes o, tagged with its kind, as field num. A nil o is absent.
func Encode(enc *wire.Encoder, num wire.Number, o Output) {
	if o == nil {
		return
	}
	enc.Message(num, &envelope{out: o})
}

// Decode reads the tagged Output at the decoder's current field.
func Decode(dec *wire.Decoder) (Output, error) {
	e := &envelope{}
	dec.Message(e)
	if err := dec.Err(); err != nil {
		return nil, err
	}
	return e.out, nil
}
