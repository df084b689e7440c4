package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/g1879/datarecorder/pkg/connector/core"
	"github.com/g1879/datarecorder/pkg/logger"
	"github.com/g1879/datarecorder/pkg/recerrors"
	"go.uber.org/zap"
)

// Registry manages adapter registration and instantiation
type Registry struct {
	adapters map[core.Format]AdapterFactory
	infos    map[core.Format]*AdapterInfo
	mu       sync.RWMutex
	logger   *zap.Logger
}

// AdapterFactory creates an adapter instance.
type AdapterFactory func() (core.Adapter, error)

// AdapterInfo describes a registered adapter
type AdapterInfo struct {
	Format       core.Format `json:"format"`
	Description  string      `json:"description"`
	Extensions   []string    `json:"extensions"`
	Capabilities []string    `json:"capabilities"`
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new adapter registry
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[core.Format]AdapterFactory),
		infos:    make(map[core.Format]*AdapterInfo),
		logger:   logger.Get().With(zap.String("component", "adapter_registry")),
	}
}

// Register registers an adapter factory
func (r *Registry) Register(info AdapterInfo, factory AdapterFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[info.Format]; exists {
		return recerrors.New(recerrors.ErrorTypeConfig, fmt.Sprintf("adapter %s already registered", info.Format))
	}

	r.adapters[info.Format] = factory
	r.infos[info.Format] = &info
	r.logger.Debug("adapter registered", zap.String("format", string(info.Format)))
	return nil
}

// Create creates an adapter for format
func (r *Registry) Create(format core.Format) (core.Adapter, error) {
	r.mu.RLock()
	factory, exists := r.adapters[format]
	r.mu.RUnlock()

	if !exists {
		return nil, recerrors.New(recerrors.ErrorTypeConfig, fmt.Sprintf("no adapter registered for format %s", format))
	}

	adapter, err := factory()
	if err != nil {
		return nil, recerrors.Wrap(err, recerrors.ErrorTypeConfig, fmt.Sprintf("failed to create %s adapter", format))
	}
	return adapter, nil
}

// Resolve picks the format for path, preferring override when set, and
// creates its adapter.
func (r *Registry) Resolve(path string, override core.Format) (core.Format, core.Adapter, error) {
	format := override
	if format == "" {
		var err error
		if format, err = core.FormatFromPath(path); err != nil {
			return "", nil, err
		}
	} else {
		var err error
		if format, err = core.ParseFormat(string(override)); err != nil {
			return "", nil, err
		}
	}

	adapter, err := r.Create(format)
	if err != nil {
		return "", nil, err
	}
	return format, adapter, nil
}

// List returns registered formats, sorted
func (r *Registry) List() []core.Format {
	r.mu.RLock()
	defer r.mu.RUnlock()

	formats := make([]core.Format, 0, len(r.adapters))
	for f := range r.adapters {
		formats = append(formats, f)
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i] < formats[j] })
	return formats
}

// Info returns the description of a registered format
func (r *Registry) Info(format core.Format) (*AdapterInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.infos[format]
	if !exists {
		return nil, recerrors.New(recerrors.ErrorTypeConfig, fmt.Sprintf("adapter %s not found", format))
	}
	copied := *info
	return &copied, nil
}

// Has checks if an adapter is registered
func (r *Registry) Has(format core.Format) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.adapters[format]
	return exists
}

// Clear removes all registered adapters (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters = make(map[core.Format]AdapterFactory)
	r.infos = make(map[core.Format]*AdapterInfo)
}

// Global registry functions

// Register registers an adapter in the global registry
func Register(info AdapterInfo, factory AdapterFactory) error {
	return globalRegistry.Register(info, factory)
}

// MustRegister registers an adapter and panics on a duplicate. It is meant
// for init functions.
func MustRegister(info AdapterInfo, factory AdapterFactory) {
	if err := globalRegistry.Register(info, factory); err != nil {
		panic(err)
	}
}

// Create creates an adapter from the global registry
func Create(format core.Format) (core.Adapter, error) {
	return globalRegistry.Create(format)
}

// Resolve resolves path and override against the global registry
func Resolve(path string, override core.Format) (core.Format, core.Adapter, error) {
	return globalRegistry.Resolve(path, override)
}

// List returns registered formats from the global registry
func List() []core.Format {
	return globalRegistry.List()
}

// Info describes a format from the global registry
func Info(format core.Format) (*AdapterInfo, error) {
	return globalRegistry.Info(format)
}

// Has checks if a format is registered in the global registry
func Has(format core.Format) bool {
	return globalRegistry.Has(format)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
