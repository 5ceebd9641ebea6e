// Package registry implements SPEC_FULL.md §4.5: a typed, slotted plugin
// registry. Grounded on the teacher's module/registry.go (factory map +
// sync.RWMutex, MustRegister/Resolve/IDs), generalized from one plugin kind
// to the seven slots the core depends on.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/config"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
)

// Slot names a plugin kind.
type Slot string

const (
	SlotRuntime   Slot = "runtime"
	SlotAgent     Slot = "agent"
	SlotWorkspace Slot = "workspace"
	SlotTracker   Slot = "tracker"
	SlotSCM       Slot = "scm"
	SlotNotifier  Slot = "notifier"
	SlotTerminal  Slot = "terminal"
)

var allSlots = []Slot{SlotRuntime, SlotAgent, SlotWorkspace, SlotTracker, SlotSCM, SlotNotifier, SlotTerminal}

type key struct {
	slot Slot
	name string
}

// Registry owns the process-wide collection of plugin instances. It is one
// of the handful of process-wide singletons the core allows (SPEC_FULL.md
// §9, "Global mutable state") and is always constructed from validated
// configuration and torn down as a unit.
type Registry struct {
	mu              sync.RWMutex
	instances       map[key]any
	globalDefaults  map[Slot]string
	projectDefaults map[string]map[Slot]string
	notifierTiers   map[string][]string // priority -> notifier names
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		instances:       map[key]any{},
		globalDefaults:  map[Slot]string{},
		projectDefaults: map[string]map[Slot]string{},
		notifierTiers:   map[string][]string{},
	}
}

// LoadFromConfig records the config-wide and per-project default plugin
// names the resolution chain in Resolve consults. It does not instantiate
// any plugin: constructing instances is domain-plugin-specific code the
// registry deliberately does not import (SPEC_FULL.md §4.5 keeps the
// registry a pure slotted lookup).
func (r *Registry) LoadFromConfig(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalDefaults[SlotRuntime] = cfg.Defaults.Runtime
	r.globalDefaults[SlotAgent] = cfg.Defaults.Agent
	r.globalDefaults[SlotWorkspace] = cfg.Defaults.Workspace
	for id, proj := range cfg.Projects {
		overrides := map[Slot]string{}
		if proj.Runtime != "" {
			overrides[SlotRuntime] = proj.Runtime
		}
		if proj.Agent != "" {
			overrides[SlotAgent] = proj.Agent
		}
		if proj.Tracker != "" {
			overrides[SlotTracker] = proj.Tracker
		}
		if proj.SCM != "" {
			overrides[SlotSCM] = proj.SCM
		}
		r.projectDefaults[id] = overrides
	}
	r.notifierTiers["urgent"] = cfg.NotificationRouting.Urgent
	r.notifierTiers["action"] = cfg.NotificationRouting.Action
	r.notifierTiers["warning"] = cfg.NotificationRouting.Warning
	r.notifierTiers["info"] = cfg.NotificationRouting.Info
}

// NotifiersFor returns the notifier names a priority tier routes to.
func (r *Registry) NotifiersFor(priority string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.notifierTiers[priority]...)
}

// Resolve picks a plugin instance for a slot using the project-override ->
// config-default -> hard-coded-default chain (Resolution), then fetches it
// by name.
func (r *Registry) Resolve(slot Slot, projectID, hardDefault string) (any, error) {
	r.mu.RLock()
	projectOverride := r.projectDefaults[projectID][slot]
	configDefault := r.globalDefaults[slot]
	r.mu.RUnlock()
	name := Resolution(projectOverride, configDefault, hardDefault)
	if name == "" {
		return nil, corerr.New(corerr.NotFound, "registry.Resolve", fmt.Sprintf("no default %s plugin configured for project %q", slot, projectID))
	}
	return r.Get(slot, name)
}

// Register installs a plugin instance under (slot, name). Re-registering
// the same (slot, name) overwrites the previous instance.
func (r *Registry) Register(slot Slot, name string, instance any) error {
	if name == "" {
		return corerr.New(corerr.InvalidInput, "registry.Register", "plugin name is required")
	}
	if !validSlot(slot) {
		return corerr.New(corerr.InvalidInput, "registry.Register", fmt.Sprintf("unknown slot %q", slot))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[key{slot, name}] = instance
	return nil
}

// MustRegister panics on a registration error. Reserved for default-plugin
// bootstrap at the composition root, where a bad registration is a
// programming error, not a runtime condition.
func (r *Registry) MustRegister(slot Slot, name string, instance any) {
	if err := r.Register(slot, name, instance); err != nil {
		panic(err)
	}
}

// Get resolves a plugin instance by slot and name, failing loud
// (NotFound) on an unknown name rather than returning a zero value.
func (r *Registry) Get(slot Slot, name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[key{slot, name}]
	if !ok {
		return nil, corerr.New(corerr.NotFound, "registry.Get", fmt.Sprintf("no %s plugin named %q", slot, name))
	}
	return inst, nil
}

// List returns the registered plugin names for a slot, sorted.
func (r *Registry) List(slot Slot) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for k := range r.instances {
		if k.slot == slot {
			names = append(names, k.name)
		}
	}
	sort.Strings(names)
	return names
}

func validSlot(slot Slot) bool {
	for _, s := range allSlots {
		if s == slot {
			return true
		}
	}
	return false
}

// Resolution is the project/config/hard-coded-default preference chain
// SPEC_FULL.md §4.5 describes: a project-specific override beats the
// config-wide default, which beats the registry's own fallback default.
func Resolution(projectOverride, configDefault, hardDefault string) string {
	if projectOverride != "" {
		return projectOverride
	}
	if configDefault != "" {
		return configDefault
	}
	return hardDefault
}
