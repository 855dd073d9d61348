package storage

import (
	"fmt"
	"sort"
	"sync"
)

// DriverConfig selects a registered driver and passes it driver specific options.
type DriverConfig struct {
	Driver  string
	Options map[string]any
}

// Driver opens a Backend from its configuration.
type Driver func(DriverConfig) (Backend, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available by name. It panics on a nil driver or a duplicate name.
func Register(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if driver == nil {
		panic("storage: could not register nil driver")
	}
	if _, dup := drivers[name]; dup {
		panic("storage: could not register duplicate driver: " + name)
	}
	drivers[name] = driver
}

func Open(cfg DriverConfig) (Backend, error) {
	driversMu.RLock()
	driver, ok := drivers[cfg.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q (forgotten import?)", cfg.Driver)
	}
	return driver(cfg)
}

// Drivers lists the registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OptionString reads a string option, falling back to def.
func (c DriverConfig) OptionString(key, def string) string {
	if v, ok := c.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}
