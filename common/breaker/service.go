package breaker

import (
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"
	"github.com/scusemua/mlcommons-cluster/common/configuration"
	"github.com/scusemua/mlcommons-cluster/common/metrics"
	"github.com/scusemua/mlcommons-cluster/common/types"
)

// Service aggregates the breakers registered on a node.
//
// Breakers are evaluated in registration order, so CheckOpenBreaker is deterministic for a fixed set of
// breakers: it always reports the earliest-registered breaker that is open.
type Service struct {
	log logger.Logger

	breakers *orderedmap.OrderedMap[Name, Breaker]
	mu       sync.RWMutex

	metrics *metrics.PrometheusManager
}

func NewService(metricsManager *metrics.PrometheusManager) *Service {
	service := &Service{
		breakers: orderedmap.NewOrderedMap[Name, Breaker](),
		metrics:  metricsManager,
	}
	config.InitLogger(&service.log, service)
	return service
}

// Register adds b. Registering a second breaker under an existing name replaces the first one in place.
func (s *Service) Register(b Breaker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.breakers.Set(b.Name(), b)
	s.log.Debug("Registered \"%s\" circuit breaker.", b.Name())
}

// Unregister removes the named breaker and reports whether it was registered.
func (s *Service) Unregister(name Name) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.breakers.Delete(name)
}

func (s *Service) Get(name Name) (Breaker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.breakers.Get(name)
}

// Names returns the names of the registered breakers in evaluation order.
func (s *Service) Names() []Name {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.breakers.Keys()
}

func (s *Service) snapshot() []Breaker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	breakers := make([]Breaker, 0, s.breakers.Len())
	for el := s.breakers.Front(); el != nil; el = el.Next() {
		breakers = append(breakers, el.Value)
	}
	return breakers
}

// CheckOpenBreaker returns the first open breaker, or nil if every breaker is closed.
//
// If a breaker cannot read its resource usage, CheckOpenBreaker stops and returns that breaker together with
// the wrapped probe error.
func (s *Service) CheckOpenBreaker() (Breaker, error) {
	for _, b := range s.snapshot() {
		open, err := b.IsOpen()
		if err != nil {
			s.log.Error("Circuit breaker \"%s\" failed to evaluate: %v", b.Name(), err)
			return b, errors.Wrapf(err, "circuit breaker \"%s\" cannot be trusted", b.Name())
		}

		if open {
			return b, nil
		}
	}

	return nil, nil
}

// Admit returns nil if no breaker is open. Otherwise, it returns a ResourceExhausted status error naming the
// open breaker, or the probe error of a breaker that could not be evaluated.
func (s *Service) Admit() error {
	b, err := s.CheckOpenBreaker()
	if err != nil {
		return err
	}

	if b == nil {
		return nil
	}

	s.metrics.BreakerOpened(b.Name().String())

	if stringer, ok := b.(fmt.Stringer); ok {
		s.log.Warn("Rejecting task: %s is open.", stringer.String())
	} else {
		s.log.Warn("Rejecting task: \"%s\" circuit breaker is open.", b.Name())
	}

	return types.ResourceExhausted("%s circuit breaker is open, please check your resource usage on the node", b.Name())
}

// BindSettings applies the current settings to every Configurable breaker and subscribes to future changes.
func (s *Service) BindSettings(settings *configuration.Settings) {
	s.applySettings(settings.Get(), nil)

	keys := []configuration.Key{
		configuration.KeyMemoryThreshold,
		configuration.KeyNativeMemoryThreshold,
		configuration.KeyDiskFreeSpaceThreshold,
	}

	for _, key := range keys {
		key := key
		settings.Subscribe(key, "circuit breaker thresholds", func(values configuration.Values) error {
			s.applySettings(values, &key)
			return nil
		})
	}
}

// applySettings pushes values into every Configurable breaker, or only those bound to key when key is non-nil.
func (s *Service) applySettings(values configuration.Values, key *configuration.Key) {
	for _, b := range s.snapshot() {
		configurable, ok := b.(Configurable)
		if !ok {
			continue
		}

		if key != nil && configurable.SettingKey() != *key {
			continue
		}

		configurable.Apply(values)
		s.log.Debug("Applied new threshold to \"%s\" circuit breaker.", b.Name())
	}
}
