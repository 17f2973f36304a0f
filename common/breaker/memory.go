package breaker

import (
	"math"
	"runtime"
	"runtime/debug"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/scusemua/mlcommons-cluster/common/configuration"
)

// UsageProbe returns the amount of a resource in use and the total amount available, in bytes.
type UsageProbe func() (used uint64, total uint64, err error)

// percentBreaker is open when used/total, as a percentage, exceeds its threshold.
type percentBreaker struct {
	name      Name
	key       configuration.Key
	threshold *Threshold
	probe     UsageProbe
	pick      func(configuration.Values) float64
}

func (b *percentBreaker) Name() Name {
	return b.name
}

func (b *percentBreaker) SettingKey() configuration.Key {
	return b.key
}

func (b *percentBreaker) Apply(values configuration.Values) {
	b.threshold.Store(b.pick(values))
}

func (b *percentBreaker) Threshold() *Threshold {
	return b.threshold
}

func (b *percentBreaker) IsOpen() (bool, error) {
	if b.threshold.Disabled() {
		return false, nil
	}

	used, total, err := b.probe()
	if err != nil {
		return false, errors.Wrapf(err, "failed to read %s usage", b.name)
	}

	if total == 0 {
		return false, errors.Errorf("%s probe reported a total of zero bytes", b.name)
	}

	return UsagePercent(used, total) > b.threshold.Load(), nil
}

// UsagePercent returns used as a percentage of total.
func UsagePercent(used uint64, total uint64) float64 {
	return float64(used) / float64(total) * 100
}

// NewMemoryBreaker returns a breaker over the process's heap usage. A nil probe uses HeapUsage.
func NewMemoryBreaker(thresholdPercent float64, probe UsageProbe) Configurable {
	if probe == nil {
		probe = HeapUsage
	}

	return &percentBreaker{
		name:      MemoryBreakerName,
		key:       configuration.KeyMemoryThreshold,
		threshold: NewPercentThreshold(thresholdPercent),
		probe:     probe,
		pick:      func(v configuration.Values) float64 { return v.MemoryThresholdPercent },
	}
}

// NewNativeMemoryBreaker returns a breaker over the host's memory usage. A nil probe uses HostMemoryUsage.
func NewNativeMemoryBreaker(thresholdPercent float64, probe UsageProbe) Configurable {
	if probe == nil {
		probe = HostMemoryUsage
	}

	return &percentBreaker{
		name:      NativeMemoryBreakerName,
		key:       configuration.KeyNativeMemoryThreshold,
		threshold: NewPercentThreshold(thresholdPercent),
		probe:     probe,
		pick:      func(v configuration.Values) float64 { return v.NativeMemoryThresholdPercent },
	}
}

// HeapUsage compares the Go heap against the runtime memory limit. When no limit is configured, the host's
// total memory is used instead.
func HeapUsage() (uint64, uint64, error) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	limit := debug.SetMemoryLimit(-1)
	if limit > 0 && limit != math.MaxInt64 {
		return stats.HeapAlloc, uint64(limit), nil
	}

	_, total, err := HostMemoryUsage()
	if err != nil {
		return 0, 0, err
	}

	return stats.HeapAlloc, total, nil
}

// HostMemoryUsage reads MemTotal and MemAvailable from /proc/meminfo.
func HostMemoryUsage() (uint64, uint64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, 0, err
	}

	info, err := fs.Meminfo()
	if err != nil {
		return 0, 0, err
	}

	if info.MemTotal == nil || info.MemAvailable == nil {
		return 0, 0, errors.New("/proc/meminfo does not report MemTotal and MemAvailable")
	}

	// meminfo reports kB.
	total := *info.MemTotal * 1024
	available := *info.MemAvailable * 1024
	if available > total {
		available = total
	}

	return total - available, total, nil
}
