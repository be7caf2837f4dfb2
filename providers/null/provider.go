package null

import (
	"context"
	"fmt"
	"sync"

	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/provider"
)

func init() {
	provider.RegisterFactory("null", func() provider.Provider { return New() })
}

// Provider keeps resources entirely in memory. It backs tests and dry
// runs and serves as the conformance reference for the provider
// contract: idempotent creates, tolerant deletes, observable reads.
type Provider struct {
	mu      sync.Mutex
	objects map[string]*object
}

type object struct {
	externalID string
	attributes map[string]any
}

func New() *Provider {
	return &Provider{objects: make(map[string]*object)}
}

func (p *Provider) Name() string { return "null" }

func (p *Provider) Configure(ctx context.Context, settings map[string]any) error {
	return nil
}

// Create stores the resource. A duplicate create for an existing ID
// adopts the object instead of producing a second one, so a retried
// create after an ambiguous failure stays safe.
func (p *Provider) Create(ctx context.Context, req *provider.CreateRequest) (*provider.CreateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[req.ID]
	if !ok {
		obj = &object{externalID: fmt.Sprintf("null-%s", req.ID)}
		p.objects[req.ID] = obj
	}
	obj.attributes = ir.CloneAttributes(req.Attributes)

	return &provider.CreateResponse{
		ExternalID: obj.externalID,
		Attributes: ir.CloneAttributes(obj.attributes),
	}, nil
}

func (p *Provider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[req.ID]
	if !ok {
		return &provider.ReadResponse{Exists: false}, nil
	}
	return &provider.ReadResponse{
		Exists:     true,
		Attributes: ir.CloneAttributes(obj.attributes),
	}, nil
}

// Update converges the stored attributes. Updating a resource that
// vanished out of band recreates it.
func (p *Provider) Update(ctx context.Context, req *provider.UpdateRequest) (*provider.UpdateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[req.ID]
	if !ok {
		obj = &object{externalID: fmt.Sprintf("null-%s", req.ID)}
		p.objects[req.ID] = obj
	}
	obj.attributes = ir.CloneAttributes(req.Attributes)

	return &provider.UpdateResponse{
		ExternalID: obj.externalID,
		Attributes: ir.CloneAttributes(obj.attributes),
	}, nil
}

// Delete drops the resource. Deleting an already-absent resource succeeds.
func (p *Provider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.objects, req.ID)
	return nil
}

// SetObserved overwrites the stored attributes as if an operator edited
// the resource out of band, creating it when absent. Test hook.
func (p *Provider) SetObserved(id string, attrs map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[id]
	if !ok {
		obj = &object{externalID: fmt.Sprintf("null-%s", id)}
		p.objects[id] = obj
	}
	obj.attributes = ir.CloneAttributes(attrs)
}

// RemoveObserved drops the resource as if it were deleted out of band.
// Test hook.
func (p *Provider) RemoveObserved(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.objects, id)
}

// Observed returns the stored attributes for inspection.
func (p *Provider) Observed(id string) (map[string]any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[id]
	if !ok {
		return nil, false
	}
	return ir.CloneAttributes(obj.attributes), true
}
