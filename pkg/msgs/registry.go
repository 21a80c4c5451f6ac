package msgs

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrUnsupportedMessageType is returned when a type name cannot be resolved to
// any message shape, not even the generic one.
var ErrUnsupportedMessageType = errors.New("unsupported message type")

// Message is implemented by every value that can travel over the bus.
type Message interface {
	TypeName() string
}

// Factory builds a zero value of a message type.
type Factory func() Message

// typeNamePattern accepts "pkg/msg/Name" and the short "pkg/Name" form.
var typeNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*/(msg/)?[A-Z][A-Za-z0-9_]*$`)

// Registry maps type-name strings onto message factories. Names that are not
// registered but are syntactically valid resolve to Generic.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the well-known message shapes.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	registerStd(r)
	registerGeometry(r)
	registerSensor(r)
	registerNav(r)
	return r
}

// Register adds or replaces a factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.factories[normalize(name)] = f
}

// Resolve returns the factory for name.
func (r *Registry) Resolve(name string) (Factory, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty type name", ErrUnsupportedMessageType)
	}
	if f, ok := r.factories[normalize(name)]; ok {
		return f, nil
	}
	if !typeNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMessageType, name)
	}
	canonical := normalize(name)
	return func() Message { return NewGeneric(canonical) }, nil
}

// New resolves name and returns a fresh message of that type.
func (r *Registry) New(name string) (Message, error) {
	f, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return f(), nil
}

// IsWellKnown reports whether name has a dedicated message shape.
func (r *Registry) IsWellKnown(name string) bool {
	_, ok := r.factories[normalize(name)]
	return ok
}

// Known lists the registered type names in sorted order.
func (r *Registry) Known() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// normalize turns "pkg/Name" into "pkg/msg/Name".
func normalize(name string) string {
	parts := strings.Split(name, "/")
	if len(parts) == 2 {
		return parts[0] + "/msg/" + parts[1]
	}
	return name
}
