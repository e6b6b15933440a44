// Package plugins registers the payment gateway integrations available to
// the runner.
package plugins

import (
	"strings"

	"github.com/smallbiznis/billway/internal/payment/domain"
)

type Registry struct {
	plugins map[string]domain.PaymentPlugin
	control map[string]domain.ControlPlugin
}

func NewRegistry(payment []domain.PaymentPlugin, control []domain.ControlPlugin) *Registry {
	registry := &Registry{
		plugins: map[string]domain.PaymentPlugin{},
		control: map[string]domain.ControlPlugin{},
	}
	for _, plugin := range payment {
		if plugin == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(plugin.Name()))
		if name == "" {
			continue
		}
		registry.plugins[name] = plugin
	}
	for _, plugin := range control {
		if plugin == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(plugin.Name()))
		if name == "" {
			continue
		}
		registry.control[name] = plugin
	}
	return registry
}

func (r *Registry) Plugin(name string) (domain.PaymentPlugin, error) {
	plugin, ok := r.plugins[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, domain.ErrPluginNotFound
	}
	return plugin, nil
}

func (r *Registry) ControlPlugin(name string) (domain.ControlPlugin, error) {
	plugin, ok := r.control[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, domain.ErrPluginNotFound
	}
	return plugin, nil
}
