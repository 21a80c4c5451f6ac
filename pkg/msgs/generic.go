package msgs

// Generic carries any message type without a dedicated shape. Fields holds
// the decoded field values keyed by wire name.
type Generic struct {
	Type   string
	Fields map[string]any
}

// NewGeneric returns an empty generic message of the given type.
func NewGeneric(typeName string) *Generic {
	return &Generic{Type: typeName, Fields: make(map[string]any)}
}

func (g *Generic) TypeName() string { return g.Type }
