package driver

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Factory constructs a driver instance for a device type.
type Factory func() Driver

// Registry maps device-type identifiers to driver factories. The set is
// closed at startup: RegisterBuiltins installs the known families and
// further additions are purely additive.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

// NewRegistry creates an empty driver registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger,
	}
}

// Register adds a driver factory for a device type. Registering a
// duplicate type is a programming error and fails loudly.
func (r *Registry) Register(deviceType string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if deviceType == "" {
		return fmt.Errorf("empty device type")
	}
	if _, exists := r.factories[deviceType]; exists {
		return fmt.Errorf("driver %q already registered", deviceType)
	}
	r.factories[deviceType] = factory
	r.logger.Info("driver registered", zap.String("device_type", deviceType))
	return nil
}

// Resolve returns a driver for the device type. An unknown type yields an
// UnsupportedDeviceType error: fatal for that device's runs, never for
// the process.
func (r *Registry) Resolve(deviceType string) (Driver, error) {
	r.mu.RLock()
	factory, ok := r.factories[deviceType]
	r.mu.RUnlock()
	if !ok {
		return nil, E(KindUnsupportedDeviceType, "resolve",
			fmt.Errorf("no driver registered for device type %q", deviceType))
	}
	return factory(), nil
}

// Types returns the registered device types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RegisterBuiltins installs the drivers shipped with NetPilot.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(TypeMikroTikREST, func() Driver { return NewMikroTik() }); err != nil {
		return err
	}
	return r.Register(TypeOpenWrtSSH, func() Driver { return NewOpenWrt() })
}
