package domain

import (
	"fmt"
	"sync"
)

// Registry resolves domains by (domain, bot) pair. A bot-specific
// registration wins over the plain domain registration, letting one domain
// ship a per-bot variant without forking the flow.
type Registry struct {
	mu      sync.RWMutex
	domains map[string]Domain
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{domains: make(map[string]Domain)}
}

func key(domainName, botName string) string {
	if botName == "" {
		return domainName
	}
	return domainName + "@" + botName
}

// Register installs d under its own name for all bots.
func (r *Registry) Register(d Domain) error {
	return r.register(key(d.Name(), ""), d)
}

// RegisterForBot installs d for one specific bot.
func (r *Registry) RegisterForBot(botName string, d Domain) error {
	if botName == "" {
		return fmt.Errorf("domain: bot name is required")
	}
	return r.register(key(d.Name(), botName), d)
}

func (r *Registry) register(k string, d Domain) error {
	if d == nil || d.Name() == "" {
		return fmt.Errorf("domain: registering unnamed domain")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.domains[k]; dup {
		return fmt.Errorf("domain: %q already registered", k)
	}
	r.domains[k] = d
	return nil
}

// Resolve returns the domain for (domainName, botName): the bot-specific
// registration when present, otherwise the plain one.
func (r *Registry) Resolve(domainName, botName string) (Domain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.domains[key(domainName, botName)]; ok {
		return d, nil
	}
	if d, ok := r.domains[key(domainName, "")]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("domain: no domain %q for bot %q", domainName, botName)
}
