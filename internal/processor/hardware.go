package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrDriverExists   = errors.New("driver already registered")
	ErrDriverNotFound = errors.New("driver not found")
)

// Driver talks to the measurement equipment. Calls may block on I/O and are
// not expected to honour cancellation.
type Driver interface {
	Forward(ctx context.Context, full *mat.Dense) (*mat.Dense, error)
	Reset(ctx context.Context) error
}

type DriverFactory func(cfg Config) (Driver, error)

var driverRegistry = struct {
	mu sync.RWMutex
	m  map[string]DriverFactory
}{
	m: make(map[string]DriverFactory),
}

func init() {
	initializeBuiltInDrivers()
}

func initializeBuiltInDrivers() {
	MustRegisterDriver(LoopbackDriverName, newLoopbackDriver)
}

func RegisterDriver(name string, factory DriverFactory) error {
	if name == "" {
		return errors.New("driver name is required")
	}
	if factory == nil {
		return errors.New("driver factory is required")
	}

	driverRegistry.mu.Lock()
	defer driverRegistry.mu.Unlock()

	if _, exists := driverRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrDriverExists, name)
	}
	driverRegistry.m[name] = factory
	return nil
}

func MustRegisterDriver(name string, factory DriverFactory) {
	if err := RegisterDriver(name, factory); err != nil {
		panic(err)
	}
}

func ListDrivers() []string {
	driverRegistry.mu.RLock()
	defer driverRegistry.mu.RUnlock()

	names := make([]string, 0, len(driverRegistry.m))
	for name := range driverRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupDriver(name string) (DriverFactory, error) {
	driverRegistry.mu.RLock()
	defer driverRegistry.mu.RUnlock()

	factory, ok := driverRegistry.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDriverNotFound, name)
	}
	return factory, nil
}

func resetDriverRegistryForTests() {
	driverRegistry.mu.Lock()
	driverRegistry.m = make(map[string]DriverFactory)
	driverRegistry.mu.Unlock()
	initializeBuiltInDrivers()
}

// HardwareBackend forwards electrode batches to a physical device driver. It
// is not differentiable.
type HardwareBackend struct {
	driver   Driver
	channels []int
	min      []float64
	max      []float64
}

func NewHardwareBackend(cfg Config) (*HardwareBackend, error) {
	if len(cfg.InputChannels) == 0 {
		return nil, errors.New("hardware platform requires input channels")
	}
	if len(cfg.MinVoltage) != len(cfg.InputChannels) || len(cfg.MaxVoltage) != len(cfg.InputChannels) {
		return nil, fmt.Errorf("hardware voltage ranges must have one entry per input channel (%d): min=%d max=%d",
			len(cfg.InputChannels), len(cfg.MinVoltage), len(cfg.MaxVoltage))
	}
	name := cfg.Driver
	if name == "" {
		return nil, errors.New("hardware platform requires a driver name")
	}
	factory, err := lookupDriver(name)
	if err != nil {
		return nil, err
	}
	driver, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("open driver %s: %w", name, err)
	}
	return &HardwareBackend{
		driver:   driver,
		channels: append([]int(nil), cfg.InputChannels...),
		min:      append([]float64(nil), cfg.MinVoltage...),
		max:      append([]float64(nil), cfg.MaxVoltage...),
	}, nil
}

// ElectrodeCount is the number of configured input channels.
func (b *HardwareBackend) ElectrodeCount() int {
	return len(b.channels)
}

func (b *HardwareBackend) MinVoltage() []float64 {
	return append([]float64(nil), b.min...)
}

func (b *HardwareBackend) MaxVoltage() []float64 {
	return append([]float64(nil), b.max...)
}

func (b *HardwareBackend) Forward(ctx context.Context, full *mat.Dense) (*mat.Dense, error) {
	if err := checkElectrodes(full, b.ElectrodeCount()); err != nil {
		return nil, err
	}
	return b.driver.Forward(ctx, full)
}

func (b *HardwareBackend) Reset(ctx context.Context) error {
	return b.driver.Reset(ctx)
}

func (b *HardwareBackend) Close() error {
	closer, ok := b.driver.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
