// Package configreg implements the configuration registry (C3): one
// Configuration per loaded file path, assigning stable service IDs and
// resolving each service's declared dependency names into a materialized,
// cycle-checked dependency graph.
package configreg

import (
	"fmt"
	"sort"
	"sync"

	"overseer/internal/config"
	"overseer/internal/core/errors"
	"overseer/internal/core/idgen"
)

// Service is the registry's resolved view of one configured service: the
// raw declaration plus an assigned ID and its dependencies resolved to IDs.
type Service struct {
	ID           string
	Name         string
	Command      string
	Args         []string
	WorkingDir   string
	Description  string
	Env          map[string]string
	EnvFile      string
	AutoRestart  bool
	Stdout       string
	Stderr       string
	Readiness    *config.Readiness
	Watch        *config.Watch
	DependsOn    []string // names, as declared
	Dependencies []string // resolved IDs, same order as DependsOn
}

// Configuration is one loaded, ID-resolved configuration file.
type Configuration struct {
	Path     string
	Services map[string]*Service // keyed by name
	byID     map[string]*Service
}

// ByID looks a service up by its assigned ID.
func (c *Configuration) ByID(id string) (*Service, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// Order returns service names in dependency order (a dependency always
// precedes its dependents), erroring if the graph has a cycle.
func (c *Configuration) Order() ([]string, error) {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	return resolveOrder(c.Services, names)
}

// Levels batches service names into dependency levels: every service in
// level N depends only on services in levels < N, so every name within one
// level can start concurrently.
func (c *Configuration) Levels() ([][]string, error) {
	order, err := c.Order()
	if err != nil {
		return nil, err
	}

	return groupByLevel(order, c.Services), nil
}

// Registry holds one Configuration per path.
type Registry interface {
	// Load parses data and stores/replaces the Configuration at path,
	// preserving service IDs for services that match by name against any
	// previously loaded configuration at the same path.
	Load(path string, data []byte) (*Configuration, error)
	Get(path string) (*Configuration, bool)
	Remove(path string)
}

type registry struct {
	mu    sync.RWMutex
	byPath map[string]*Configuration
	gen    idgen.Generator
}

// New creates an empty Registry.
func New(gen idgen.Generator) Registry {
	if gen == nil {
		gen = idgen.New()
	}

	return &registry{byPath: make(map[string]*Configuration), gen: gen}
}

func (r *registry) Load(path string, data []byte) (*Configuration, error) {
	cfg, err := config.Parse(data, nil)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.byPath[path]

	resolved := &Configuration{
		Path:     path,
		Services: make(map[string]*Service, len(cfg.Services)),
		byID:     make(map[string]*Service, len(cfg.Services)),
	}

	for name, svc := range cfg.Services {
		id := r.assignID(previous, name)

		resolved.Services[name] = &Service{
			ID:          id,
			Name:        name,
			Command:     svc.Command,
			Args:        svc.Args,
			WorkingDir:  svc.WorkingDir,
			Description: svc.Description,
			Env:         svc.Env,
			EnvFile:     svc.EnvFile,
			AutoRestart: svc.AutoRestart,
			Stdout:      svc.Stdout,
			Stderr:      svc.Stderr,
			Readiness:   svc.Readiness,
			Watch:       svc.Watch,
			DependsOn:   svc.DependsOn,
		}
	}

	// Resolve dependency names to IDs now that every service has one.
	for name, svc := range resolved.Services {
		deps := make([]string, 0, len(svc.DependsOn))

		for _, depName := range svc.DependsOn {
			dep, ok := resolved.Services[depName]
			if !ok {
				return nil, fmt.Errorf("service %s: %w: %s", name, errors.ErrUnresolvedDependency, depName)
			}

			deps = append(deps, dep.ID)
		}

		svc.Dependencies = deps
		resolved.byID[svc.ID] = svc
	}

	if _, err := resolved.Order(); err != nil {
		return nil, err
	}

	r.byPath[path] = resolved

	return resolved, nil
}

// assignID preserves the ID a service had under the same name in the
// previous configuration at this path, or mints a fresh one. Grounded on
// the original source's load_config: match by name, copy id; unmatched
// services (brand new, or a first load) get a generated id.
func (r *registry) assignID(previous *Configuration, name string) string {
	if previous != nil {
		if old, ok := previous.Services[name]; ok {
			return old.ID
		}
	}

	return r.gen.Next()
}

func (r *registry) Get(path string) (*Configuration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byPath[path]
	return c, ok
}

func (r *registry) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byPath, path)
}

// resolveOrder is a three-color DFS over a materialized name list (never a
// consumable iterator, so forward references resolve correctly).
func resolveOrder(services map[string]*Service, names []string) ([]string, error) {
	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	result := make([]string, 0, len(names))

	var visit func(string) error
	visit = func(name string) error {
		if visiting[name] {
			return fmt.Errorf("%w: %s", errors.ErrCircularDependency, name)
		}

		if visited[name] {
			return nil
		}

		visiting[name] = true

		svc, ok := services[name]
		if !ok {
			return fmt.Errorf("%w: %s", errors.ErrServiceNotFound, name)
		}

		for _, dep := range svc.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}

		visiting[name] = false
		visited[name] = true
		result = append(result, name)

		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// groupByLevel batches an already-acyclic, dependency-ordered name list into
// levels where every name's dependencies live in a strictly lower level.
func groupByLevel(order []string, services map[string]*Service) [][]string {
	levels := make(map[string]int, len(order))

	for _, name := range order {
		svc := services[name]

		maxDepLevel := -1
		for _, dep := range svc.DependsOn {
			if depLevel := levels[dep]; depLevel > maxDepLevel {
				maxDepLevel = depLevel
			}
		}

		levels[name] = maxDepLevel + 1
	}

	maxLevel := 0
	for _, level := range levels {
		if level > maxLevel {
			maxLevel = level
		}
	}

	batches := make([][]string, maxLevel+1)
	for _, name := range order {
		level := levels[name]
		batches[level] = append(batches[level], name)
	}

	return batches
}
