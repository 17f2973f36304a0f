// Package breaker implements the node's resource guards.
//
// A breaker is a stateless predicate over live resource usage. The only state it holds is its threshold,
// which may be swapped at any time by a settings update while other goroutines are evaluating IsOpen.
package breaker

import (
	"github.com/scusemua/mlcommons-cluster/common/configuration"
	"go.uber.org/atomic"
)

// Name identifies a breaker. The built-in breakers use MemoryBreakerName, DiskBreakerName and
// NativeMemoryBreakerName; custom breakers may use any other name.
type Name string

const (
	MemoryBreakerName       Name = "memory"
	DiskBreakerName         Name = "disk"
	NativeMemoryBreakerName Name = "native_memory"

	// DisabledPercent turns a percentage breaker off without unregistering it.
	DisabledPercent float64 = 100

	// DisabledDiskThreshold turns the disk breaker off without unregistering it.
	DisabledDiskThreshold float64 = 0
)

func (n Name) String() string {
	return string(n)
}

// Breaker reports whether a resource threshold is currently exceeded.
//
// IsOpen reads live resource usage on every call. If usage cannot be read, IsOpen returns a non-nil error and
// the caller must not treat the breaker as closed.
type Breaker interface {
	Name() Name
	IsOpen() (bool, error)
}

// Configurable is implemented by breakers whose threshold is driven by a dynamic setting.
type Configurable interface {
	Breaker

	// SettingKey is the dynamic setting that holds this breaker's threshold.
	SettingKey() configuration.Key

	// Apply copies the breaker's threshold out of values.
	Apply(values configuration.Values)
}

// Threshold is a live-updatable threshold. Loads and stores are atomic.
type Threshold struct {
	value    *atomic.Float64
	disabled func(float64) bool
}

// NewPercentThreshold returns a threshold that is disabled at or above DisabledPercent.
func NewPercentThreshold(initial float64) *Threshold {
	return &Threshold{
		value:    atomic.NewFloat64(initial),
		disabled: func(v float64) bool { return v >= DisabledPercent },
	}
}

// NewDiskThreshold returns a threshold, in GB of free space, that is disabled at or below DisabledDiskThreshold.
func NewDiskThreshold(initialGB float64) *Threshold {
	return &Threshold{
		value:    atomic.NewFloat64(initialGB),
		disabled: func(v float64) bool { return v <= DisabledDiskThreshold },
	}
}

func (t *Threshold) Load() float64 {
	return t.value.Load()
}

func (t *Threshold) Store(v float64) {
	t.value.Store(v)
}

// Disabled reports whether the threshold is at its sentinel value, in which case the breaker is always closed.
func (t *Threshold) Disabled() bool {
	return t.disabled(t.value.Load())
}
