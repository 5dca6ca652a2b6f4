package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/vendorflow/pkg/clients"
	"github.com/ajitpratap0/vendorflow/pkg/config"
	"github.com/ajitpratap0/vendorflow/pkg/connector/core"
	"github.com/ajitpratap0/vendorflow/pkg/errors"
	"github.com/ajitpratap0/vendorflow/pkg/logger"
)

// Dependencies are the shared collaborators handed to every factory. Connectors
// of the same class built from one Dependencies share a rate limiter.
type Dependencies struct {
	Limiters *clients.LimiterRegistry
	Logger   *zap.Logger
}

// withDefaults fills nil fields with the process-wide instances
func (d Dependencies) withDefaults() Dependencies {
	if d.Limiters == nil {
		d.Limiters = clients.DefaultRegistry
	}
	if d.Logger == nil {
		d.Logger = logger.Get()
	}
	return d
}

// Factory builds a connector from the application config
type Factory func(cfg *config.Config, deps Dependencies) (core.AssetGenerator, error)

// Registry maps connector names to factories
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register adds a factory. Registering a name twice is a config error.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "connector %s already registered", name)
	}

	r.factories[name] = factory
	r.logger.Debug("connector registered", zap.String("name", name))
	return nil
}

// Create builds the named connector
func (r *Registry) Create(name string, cfg *config.Config, deps Dependencies) (core.AssetGenerator, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "connector %s not found", name).
			WithDetail("available", r.List())
	}

	conn, err := factory(cfg, deps.withDefaults())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create connector "+name)
	}
	return conn, nil
}

// List returns the registered names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has checks if a connector is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[name]
	return exists
}

// Clear removes all registered connectors (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}

// Register adds a factory to the global registry
func Register(name string, factory Factory) error {
	return globalRegistry.Register(name, factory)
}

// Create builds a connector from the global registry
func Create(name string, cfg *config.Config, deps Dependencies) (core.AssetGenerator, error) {
	return globalRegistry.Create(name, cfg, deps)
}

// ConnectorInfo describes a connector for the `connectors` command
type ConnectorInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Version     string   `json:"version"`
	BaseURL     string   `json:"base_url"`
	TaskTypes   []string `json:"task_types"`
	Stages      []string `json:"stages"`
}

// ConnectorCatalog manages connector metadata
type ConnectorCatalog struct {
	connectors map[string]*ConnectorInfo
	mu         sync.RWMutex
}

// NewConnectorCatalog creates a new connector catalog
func NewConnectorCatalog() *ConnectorCatalog {
	return &ConnectorCatalog{
		connectors: make(map[string]*ConnectorInfo),
	}
}

// Register adds a connector to the catalog
func (c *ConnectorCatalog) Register(info *ConnectorInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.connectors[info.Name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "connector %s already in catalog", info.Name)
	}

	c.connectors[info.Name] = info
	return nil
}

// Get retrieves connector information
func (c *ConnectorCatalog) Get(name string) (*ConnectorInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, exists := c.connectors[name]
	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "connector %s not found in catalog", name)
	}

	return info, nil
}

// List returns all connectors in the catalog sorted by name
func (c *ConnectorCatalog) List() []*ConnectorInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]*ConnectorInfo, 0, len(c.connectors))
	for _, info := range c.connectors {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Global catalog instance
var globalCatalog = NewConnectorCatalog()

// RegisterConnectorInfo registers connector information in the global catalog
func RegisterConnectorInfo(info *ConnectorInfo) error {
	return globalCatalog.Register(info)
}

// GetConnectorInfo retrieves connector information from the global catalog
func GetConnectorInfo(name string) (*ConnectorInfo, error) {
	return globalCatalog.Get(name)
}

// ListConnectorInfo lists all connectors in the global catalog
func ListConnectorInfo() []*ConnectorInfo {
	return globalCatalog.List()
}
