package provider

import "context"

// CreateRequest asks a provider to create a resource of the given kind.
type CreateRequest struct {
	ID         string
	Kind       string
	Attributes map[string]any
}

// CreateResponse carries the provider-assigned identity of a created
// resource and the attributes as the provider settled them.
type CreateResponse struct {
	ExternalID string
	Attributes map[string]any
}

// ReadRequest asks a provider for the observed state of a resource.
type ReadRequest struct {
	ID         string
	Kind       string
	ExternalID string
}

// ReadResponse reports whether the resource still exists and, if so,
// its observed attributes.
type ReadResponse struct {
	Exists     bool
	Attributes map[string]any
}

// UpdateRequest asks a provider to converge an existing resource onto
// the desired attributes. Prior carries the last-applied snapshot.
type UpdateRequest struct {
	ID         string
	Kind       string
	ExternalID string
	Prior      map[string]any
	Attributes map[string]any
}

// UpdateResponse carries the post-update identity and attributes. The
// external identifier may change when the provider replaces rather
// than mutates the underlying object.
type UpdateResponse struct {
	ExternalID string
	Attributes map[string]any
}

// DeleteRequest asks a provider to destroy a resource. Deleting an
// already-absent resource must succeed.
type DeleteRequest struct {
	ID         string
	Kind       string
	ExternalID string
	Attributes map[string]any
}

// Provider is the engine-facing contract for one resource backend.
//
// Create must be idempotent from the engine's perspective: a duplicate
// create for a resource that already exists (a retry after an ambiguous
// failure) must adopt the existing object instead of producing a
// second one. Providers key on the resource ID to detect this.
type Provider interface {
	Name() string
	Configure(ctx context.Context, settings map[string]any) error
	Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error)
	Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)
	Update(ctx context.Context, req *UpdateRequest) (*UpdateResponse, error)
	Delete(ctx context.Context, req *DeleteRequest) error
}
