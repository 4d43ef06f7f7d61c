package provider

import (
	"context"
	"sort"

	"github.com/carebridge/comms-engine/internal/domain"
)

// Registry maps delivery channels to their configured adapters. Channels
// whose credentials are absent are simply not registered, and sends on
// them fail with PROVIDER_NOT_CONFIGURED upstream.
type Registry struct {
	adapters map[domain.Channel]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.Channel]Adapter)}
}

func (r *Registry) Register(channel domain.Channel, adapter Adapter) {
	if adapter == nil {
		return
	}
	r.adapters[channel] = adapter
}

func (r *Registry) Get(channel domain.Channel) (Adapter, bool) {
	adapter, ok := r.adapters[channel]
	return adapter, ok
}

// Channels returns the registered channels in stable order.
func (r *Registry) Channels() []domain.Channel {
	channels := make([]domain.Channel, 0, len(r.adapters))
	for channel := range r.adapters {
		channels = append(channels, channel)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return channels
}

// Statuses reports every registered adapter's readiness, ordered by channel.
func (r *Registry) Statuses(ctx context.Context) []StatusReport {
	reports := make([]StatusReport, 0, len(r.adapters))
	for _, channel := range r.Channels() {
		report := r.adapters[channel].Status(ctx)
		report.Channel = channel.String()
		reports = append(reports, report)
	}
	return reports
}
