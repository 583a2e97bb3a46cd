package policy

import (
	"context"
	"time"

	"github.com/Abraxas-365/qorch/pkg/logx"
)

// Reloader periodically applies the document published by a Source to a
// Registry. A failed load keeps the previous policies.
type Reloader struct {
	registry *Registry
	source   Source
	interval time.Duration
}

func NewReloader(registry *Registry, source Source, interval time.Duration) *Reloader {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reloader{registry: registry, source: source, interval: interval}
}

// Reload loads once and applies the result.
func (r *Reloader) Reload(ctx context.Context) error {
	doc, err := r.source.Load(ctx)
	if err != nil {
		return err
	}
	if err := r.registry.Apply(doc); err != nil {
		return err
	}
	logx.WithField("policies", len(doc.Policies)).Debug("policy: reloaded")
	return nil
}

// Run reloads every interval until ctx is done.
func (r *Reloader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil && ctx.Err() == nil {
				logx.WithError(err).Warn("policy: reload failed, keeping previous policies")
			}
		}
	}
}
