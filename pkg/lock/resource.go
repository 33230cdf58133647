package lock

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// MaxResourceTypes bounds the number of resource types that can be registered.
const MaxResourceTypes = 64

// ResourceType is an interned resource category. Its value doubles as an index
// into per-type tables.
type ResourceType int32

var registry = struct {
	sync.RWMutex
	names  []string
	byName map[string]ResourceType
}{byName: make(map[string]ResourceType)}

// Resource types known to the graph database.
var (
	Node             = MustRegisterResourceType("NODE")
	Relationship     = MustRegisterResourceType("RELATIONSHIP")
	Label            = MustRegisterResourceType("LABEL")
	RelationshipType = MustRegisterResourceType("RELATIONSHIP_TYPE")
	SchemaName       = MustRegisterResourceType("SCHEMA_NAME")
	IndexEntry       = MustRegisterResourceType("INDEX_ENTRY")
)

// RegisterResourceType interns name. Registering the same name twice returns the same type.
func RegisterResourceType(name string) (ResourceType, error) {
	if name == "" {
		return 0, errors.New("resource type name must not be empty")
	}
	registry.Lock()
	defer registry.Unlock()
	if rt, ok := registry.byName[name]; ok {
		return rt, nil
	}
	if len(registry.names) >= MaxResourceTypes {
		return 0, errors.Newf("cannot register resource type %q: limit of %d reached", name, MaxResourceTypes)
	}
	rt := ResourceType(len(registry.names))
	registry.names = append(registry.names, name)
	registry.byName[name] = rt
	return rt, nil
}

// MustRegisterResourceType is RegisterResourceType that panics on error.
func MustRegisterResourceType(name string) ResourceType {
	rt, err := RegisterResourceType(name)
	if err != nil {
		panic(err)
	}
	return rt
}

// ResourceTypeByName looks up a registered type.
func ResourceTypeByName(name string) (ResourceType, bool) {
	registry.RLock()
	defer registry.RUnlock()
	rt, ok := registry.byName[name]
	return rt, ok
}

// ResourceTypes returns every registered type in registration order.
func ResourceTypes() []ResourceType {
	registry.RLock()
	defer registry.RUnlock()
	types := make([]ResourceType, len(registry.names))
	for i := range types {
		types[i] = ResourceType(i)
	}
	return types
}

// ID returns the dense index of the type.
func (rt ResourceType) ID() int {
	return int(rt)
}

// Valid reports whether rt was registered.
func (rt ResourceType) Valid() bool {
	registry.RLock()
	defer registry.RUnlock()
	return rt >= 0 && int(rt) < len(registry.names)
}

func (rt ResourceType) String() string {
	registry.RLock()
	defer registry.RUnlock()
	if rt < 0 || int(rt) >= len(registry.names) {
		return "UNKNOWN"
	}
	return registry.names[rt]
}
