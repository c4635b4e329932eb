// Package hostabi implements the closed, capability-gated host function
// surface a guest module calls into: context, logging, http.fetch,
// storage KV, secrets, and UI proxy. Each call checks its capability
// grant before doing any work. A denied context, http.fetch, storage,
// secrets.get or ui_proxy call returns a typed error to the guest; a
// log.* call without cap:log.emit is dropped with no error, and
// secrets.list_keys without cap:secrets.get returns no keys and no error.
package hostabi

import "strings"

// Capability is a normalized host-function grant identifier.
type Capability string

const (
	CapContextRead     Capability = "cap:context.read"
	CapLogEmit         Capability = "cap:log.emit"
	CapHTTPFetch       Capability = "cap:http.fetch"
	CapStorageKV       Capability = "cap:storage.kv"
	CapSecretsGet      Capability = "cap:secrets.get"
	CapUIProxy         Capability = "cap:ui.proxy"
	CapUserRead        Capability = "cap:user.read"
	CapSchedulerManage Capability = "cap:scheduler.manage"
)

// DefaultCapabilities are granted to every guest without explicit request.
var DefaultCapabilities = map[Capability]bool{
	CapContextRead: true,
	CapLogEmit:     true,
	CapUserRead:    true,
}

// AllCapabilities is the closed set of identifiers execute requests may
// name; anything else is a validation error.
var AllCapabilities = map[Capability]bool{
	CapContextRead:     true,
	CapLogEmit:         true,
	CapHTTPFetch:       true,
	CapStorageKV:       true,
	CapSecretsGet:      true,
	CapUIProxy:         true,
	CapUserRead:        true,
	CapSchedulerManage: true,
}

// Grants is the set of capabilities granted to one invocation.
type Grants map[Capability]bool

// NormalizeGrants lowercases and validates requested capability strings,
// merging in DefaultCapabilities. Returns the unknown identifiers (if
// any) unmodified alongside the grant set built so far.
func NormalizeGrants(requested []string) (Grants, []string) {
	grants := make(Grants, len(requested)+len(DefaultCapabilities))
	for cap := range DefaultCapabilities {
		grants[cap] = true
	}
	var unknown []string
	for _, raw := range requested {
		norm := Capability(strings.ToLower(strings.TrimSpace(raw)))
		if !AllCapabilities[norm] {
			unknown = append(unknown, raw)
			continue
		}
		grants[norm] = true
	}
	return grants, unknown
}

func (g Grants) Has(cap Capability) bool {
	return g[cap]
}
