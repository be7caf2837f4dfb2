package engine

import (
	"context"
	"sync"
	"time"

	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/provider"
)

// fakeProvider is an in-memory provider with failure injection for
// executor tests.
type fakeProvider struct {
	mu            sync.Mutex
	objects       map[string]map[string]any
	failCreate    map[string]error
	failUpdate    map[string]error
	failDelete    map[string]error
	transientLeft map[string]int
	createSeq     []string
	deleteSeq     []string
	createCalls   map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		objects:       make(map[string]map[string]any),
		failCreate:    make(map[string]error),
		failUpdate:    make(map[string]error),
		failDelete:    make(map[string]error),
		transientLeft: make(map[string]int),
		createCalls:   make(map[string]int),
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Configure(ctx context.Context, settings map[string]any) error { return nil }

func (p *fakeProvider) Create(ctx context.Context, req *provider.CreateRequest) (*provider.CreateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.createCalls[req.ID]++
	if n := p.transientLeft[req.ID]; n > 0 {
		p.transientLeft[req.ID] = n - 1
		return nil, provider.Transientf("backend busy for %s", req.ID)
	}
	if err := p.failCreate[req.ID]; err != nil {
		return nil, err
	}
	p.objects[req.ID] = ir.CloneAttributes(req.Attributes)
	p.createSeq = append(p.createSeq, req.ID)
	return &provider.CreateResponse{ExternalID: "ext-" + req.ID, Attributes: ir.CloneAttributes(req.Attributes)}, nil
}

func (p *fakeProvider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	attrs, ok := p.objects[req.ID]
	if !ok {
		return &provider.ReadResponse{Exists: false}, nil
	}
	return &provider.ReadResponse{Exists: true, Attributes: ir.CloneAttributes(attrs)}, nil
}

func (p *fakeProvider) Update(ctx context.Context, req *provider.UpdateRequest) (*provider.UpdateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failUpdate[req.ID]; err != nil {
		return nil, err
	}
	p.objects[req.ID] = ir.CloneAttributes(req.Attributes)
	return &provider.UpdateResponse{ExternalID: req.ExternalID, Attributes: ir.CloneAttributes(req.Attributes)}, nil
}

func (p *fakeProvider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failDelete[req.ID]; err != nil {
		return err
	}
	delete(p.objects, req.ID)
	p.deleteSeq = append(p.deleteSeq, req.ID)
	return nil
}

func (p *fakeProvider) setObserved(id string, attrs map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[id] = ir.CloneAttributes(attrs)
}

func (p *fakeProvider) removeObserved(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, id)
}

// testEngine wires an engine around the fake provider with retry delays
// short enough for tests.
func testEngine(p *fakeProvider) *Engine {
	reg := provider.NewRegistry()
	reg.Register("fake", p)
	eng := New(reg)
	eng.Retry = &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return eng
}

func res(id, kind string, deps []string, attrs map[string]any) *ir.Resource {
	return &ir.Resource{ID: id, Kind: kind, Provider: "fake", DependsOn: deps, Attributes: attrs}
}

func changeIDs(changes []*ir.Change) []string {
	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		ids = append(ids, c.ID)
	}
	return ids
}
