package configuration

import (
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"go.uber.org/atomic"
)

// Key identifies a single dynamic setting.
type Key string

const (
	KeyMemoryThreshold          Key = "memory_threshold_percent"
	KeyNativeMemoryThreshold    Key = "native_memory_threshold_percent"
	KeyDiskFreeSpaceThreshold   Key = "disk_free_space_threshold_gb"
	KeyTaskTimeout              Key = "task_timeout_seconds"
	KeySyncUpInterval           Key = "sync_up_interval_seconds"
	KeyOnlyRunOnMLNode          Key = "only_run_on_ml_node"
	KeyMaxLoadModelTasksPerNode Key = "max_load_model_tasks_per_node"
	KeyMaxMLTasksPerNode        Key = "max_ml_tasks_per_node"
)

// Values is an immutable snapshot of every dynamic setting.
type Values struct {
	MemoryThresholdPercent       float64 `mapstructure:"memory_threshold_percent"        yaml:"memory_threshold_percent"        json:"memory_threshold_percent"`
	NativeMemoryThresholdPercent float64 `mapstructure:"native_memory_threshold_percent" yaml:"native_memory_threshold_percent" json:"native_memory_threshold_percent"`
	DiskFreeSpaceThresholdGB     float64 `mapstructure:"disk_free_space_threshold_gb"    yaml:"disk_free_space_threshold_gb"    json:"disk_free_space_threshold_gb"`
	TaskTimeoutSeconds           int     `mapstructure:"task_timeout_seconds"            yaml:"task_timeout_seconds"            json:"task_timeout_seconds"`
	SyncUpIntervalSeconds        int     `mapstructure:"sync_up_interval_seconds"        yaml:"sync_up_interval_seconds"        json:"sync_up_interval_seconds"`
	OnlyRunOnMLNode              bool    `mapstructure:"only_run_on_ml_node"             yaml:"only_run_on_ml_node"             json:"only_run_on_ml_node"`
	MaxLoadModelTasksPerNode     int     `mapstructure:"max_load_model_tasks_per_node"   yaml:"max_load_model_tasks_per_node"   json:"max_load_model_tasks_per_node"`
	MaxMLTasksPerNode            int     `mapstructure:"max_ml_tasks_per_node"           yaml:"max_ml_tasks_per_node"           json:"max_ml_tasks_per_node"`
}

// DefaultValues returns the settings a node starts with when no settings file is supplied.
func DefaultValues() Values {
	return Values{
		MemoryThresholdPercent:       85,
		NativeMemoryThresholdPercent: 90,
		DiskFreeSpaceThresholdGB:     5,
		TaskTimeoutSeconds:           600,
		SyncUpIntervalSeconds:        10,
		OnlyRunOnMLNode:              true,
		MaxLoadModelTasksPerNode:     10,
		MaxMLTasksPerNode:            10,
	}
}

func (v Values) TaskTimeout() time.Duration {
	return time.Duration(v.TaskTimeoutSeconds) * time.Second
}

func (v Values) SyncUpInterval() time.Duration {
	return time.Duration(v.SyncUpIntervalSeconds) * time.Second
}

// changedKeys returns the keys whose value differs between v and other.
func (v Values) changedKeys(other Values) []Key {
	var keys []Key
	if v.MemoryThresholdPercent != other.MemoryThresholdPercent {
		keys = append(keys, KeyMemoryThreshold)
	}
	if v.NativeMemoryThresholdPercent != other.NativeMemoryThresholdPercent {
		keys = append(keys, KeyNativeMemoryThreshold)
	}
	if v.DiskFreeSpaceThresholdGB != other.DiskFreeSpaceThresholdGB {
		keys = append(keys, KeyDiskFreeSpaceThreshold)
	}
	if v.TaskTimeoutSeconds != other.TaskTimeoutSeconds {
		keys = append(keys, KeyTaskTimeout)
	}
	if v.SyncUpIntervalSeconds != other.SyncUpIntervalSeconds {
		keys = append(keys, KeySyncUpInterval)
	}
	if v.OnlyRunOnMLNode != other.OnlyRunOnMLNode {
		keys = append(keys, KeyOnlyRunOnMLNode)
	}
	if v.MaxLoadModelTasksPerNode != other.MaxLoadModelTasksPerNode {
		keys = append(keys, KeyMaxLoadModelTasksPerNode)
	}
	if v.MaxMLTasksPerNode != other.MaxMLTasksPerNode {
		keys = append(keys, KeyMaxMLTasksPerNode)
	}
	return keys
}

// UpdateConsumer receives the full snapshot after one of the keys it subscribed to changed.
type UpdateConsumer func(Values) error

type subscription struct {
	key      Key
	name     string
	consumer UpdateConsumer
}

// Settings holds the live settings of a node. Reads are lock-free; Update is the single writer.
type Settings struct {
	log logger.Logger

	current *atomic.Pointer[Values]

	subscriptions []subscription
	mu            sync.Mutex
}

func NewSettings(initial Values) *Settings {
	settings := &Settings{
		current: atomic.NewPointer(&initial),
	}
	config.InitLogger(&settings.log, settings)
	return settings
}

// Get returns the current snapshot.
func (s *Settings) Get() Values {
	return *s.current.Load()
}

// Subscribe registers consumer to be called whenever key changes. The name only appears in logs.
func (s *Settings) Subscribe(key Key, name string, consumer UpdateConsumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions = append(s.subscriptions, subscription{key: key, name: name, consumer: consumer})
}

// Update swaps in values and notifies the subscribers of every changed key.
//
// Each consumer is invoked in its own guarded call: an error or a panic in one consumer is logged and
// delivery continues with the next one. Update returns the number of consumers that failed.
func (s *Settings) Update(values Values) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.current.Swap(&values)
	changed := previous.changedKeys(values)
	if len(changed) == 0 {
		return 0
	}

	s.log.Info("Dynamic settings changed: %v", changed)

	failures := 0
	for _, key := range changed {
		for _, sub := range s.subscriptions {
			if sub.key != key {
				continue
			}

			if err := s.deliver(sub, values); err != nil {
				s.log.Error("Settings consumer \"%s\" failed to apply \"%s\": %v", sub.name, key, err)
				failures += 1
			}
		}
	}

	return failures
}

func (s *Settings) deliver(sub subscription, values Values) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panicked: %v", r)
		}
	}()

	return sub.consumer(values)
}
