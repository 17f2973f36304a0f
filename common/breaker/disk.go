package breaker

import (
	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/configuration"
	"golang.org/x/sys/unix"
)

const (
	bytesPerGB = 1024 * 1024 * 1024
)

// FreeSpaceProbe returns the free space, in bytes, of the filesystem holding path.
type FreeSpaceProbe func(path string) (uint64, error)

// DiskBreaker is open when the filesystem holding the model cache has less free space than its threshold.
type DiskBreaker struct {
	path      string
	threshold *Threshold
	probe     FreeSpaceProbe
}

// NewDiskBreaker returns a breaker over the filesystem holding path. A nil probe uses StatfsFreeSpace.
func NewDiskBreaker(path string, thresholdGB float64, probe FreeSpaceProbe) *DiskBreaker {
	if probe == nil {
		probe = StatfsFreeSpace
	}

	return &DiskBreaker{
		path:      path,
		threshold: NewDiskThreshold(thresholdGB),
		probe:     probe,
	}
}

func (b *DiskBreaker) Name() Name {
	return DiskBreakerName
}

func (b *DiskBreaker) SettingKey() configuration.Key {
	return configuration.KeyDiskFreeSpaceThreshold
}

func (b *DiskBreaker) Apply(values configuration.Values) {
	b.threshold.Store(values.DiskFreeSpaceThresholdGB)
}

func (b *DiskBreaker) Threshold() *Threshold {
	return b.threshold
}

func (b *DiskBreaker) IsOpen() (bool, error) {
	if b.threshold.Disabled() {
		return false, nil
	}

	free, err := b.probe(b.path)
	if err != nil {
		return false, errors.Wrapf(err, "failed to read free disk space of \"%s\"", b.path)
	}

	return float64(free) < b.threshold.Load()*bytesPerGB, nil
}

// String describes the breaker's threshold, e.g. "disk breaker on /var/cache/models (threshold: 5GiB free)".
func (b *DiskBreaker) String() string {
	return "disk breaker on " + b.path + " (threshold: " + units.BytesSize(b.threshold.Load()*bytesPerGB) + " free)"
}

// StatfsFreeSpace returns the space available to unprivileged users on the filesystem holding path.
func StatfsFreeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}

	return stat.Bavail * uint64(stat.Bsize), nil
}
