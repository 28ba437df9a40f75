package event

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"eventrelay/internal/errs"
)

// Type declares how one event-type name is dispatched. Loaded once at
// startup from the host-supplied registry file.
type Type struct {
	Name                string    `toml:"name"`
	Backends            []Backend `toml:"backends"`
	InstantSendIntercom bool      `toml:"instant_send_intercom"`
	AllowWithoutUser    bool      `toml:"allow_without_user"`
}

// Targets reports whether events of this type should be delivered to b.
func (t Type) Targets(b Backend) bool {
	for _, target := range t.Backends {
		if target == b {
			return true
		}
	}
	return false
}

// Registry holds the static, process-wide event-type configuration.
type Registry struct {
	types map[string]Type
}

func NewRegistry(types []Type) (*Registry, error) {
	byName := make(map[string]Type, len(types))
	for _, t := range types {
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate event type %q", t.Name)
		}
		for _, b := range t.Backends {
			if !b.Valid() {
				return nil, fmt.Errorf("event type %q: unknown backend %q", t.Name, b)
			}
		}
		byName[t.Name] = t
	}
	return &Registry{types: byName}, nil
}

// Get returns the declaration for name. The second return is false for
// unregistered types; callers drop such events without failing.
func (r *Registry) Get(name string) (Type, bool) {
	t, ok := r.types[name]
	return t, ok
}

func (r *Registry) Len() int { return len(r.types) }

type registryFile struct {
	EventTypes []Type `toml:"event_types"`
}

// LoadRegistry reads the event-type registry from a TOML file.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return nil, errors.New("event types file is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrapf(err, "read event types file %q", path)
	}

	var file registryFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return nil, errs.Wrap(err, "parse event types file")
	}

	registry, err := NewRegistry(file.EventTypes)
	if err != nil {
		return nil, errs.Wrap(err, "build event type registry")
	}
	return registry, nil
}
