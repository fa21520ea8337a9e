package queue

import (
	"context"
	"sync"
)

// InMemoryPublisher collects scheduled jobs for tests and development.
type InMemoryPublisher struct {
	mu   sync.Mutex
	jobs []ProvisionUserJob
}

// NewInMemoryPublisher constructs an empty publisher.
func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

func (p *InMemoryPublisher) Schedule(_ context.Context, job ProvisionUserJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

// Jobs returns a copy of everything scheduled so far.
func (p *InMemoryPublisher) Jobs() []ProvisionUserJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProvisionUserJob(nil), p.jobs...)
}
