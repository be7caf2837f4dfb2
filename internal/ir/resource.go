package ir

// Well-known resource kinds. The set is open: providers declare which
// kinds they can manage, and the engine passes unknown kinds through.
const (
	KindNetwork       = "network"
	KindCompute       = "compute"
	KindDatabase      = "database"
	KindCluster       = "cluster"
	KindStorageBucket = "storage-bucket"
)

// Resource is a single declared resource node in the desired-state graph.
type Resource struct {
	ID         string         `json:"id" yaml:"id" pkl:"id"`
	Kind       string         `json:"kind" yaml:"kind" pkl:"kind"`
	Provider   string         `json:"provider" yaml:"provider" pkl:"provider"`
	DependsOn  []string       `json:"dependsOn,omitempty" yaml:"dependsOn" pkl:"dependsOn"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes" pkl:"attributes"`
}

// Manifest is the top-level desired-state declaration set.
type Manifest struct {
	Scope     string                    `json:"scope,omitempty" yaml:"scope" pkl:"scope"`
	Providers map[string]map[string]any `json:"providers,omitempty" yaml:"providers" pkl:"providers"`
	Resources []*Resource               `json:"resources" yaml:"resources" pkl:"resources"`
}

// Clone returns a deep copy of the resource. Attribute values are copied
// structurally for maps and slices; scalar values are shared.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	return &Resource{
		ID:         r.ID,
		Kind:       r.Kind,
		Provider:   r.Provider,
		DependsOn:  append([]string(nil), r.DependsOn...),
		Attributes: CloneAttributes(r.Attributes),
	}
}

// CloneAttributes deep-copies an attribute map.
func CloneAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = cloneValue(v)
		}
		return out
	case map[any]any:
		out := make(map[any]any, len(val))
		for k, v := range val {
			out[k] = cloneValue(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = cloneValue(v)
		}
		return out
	default:
		return val
	}
}
