package hio

// This file holds the cooperative-shutdown registry operations; the Service
// interface itself lives on Host in host.go since it is part of Host's own
// exported surface, not a separate concern with its own state.

// Services returns the currently registered services, in registration
// order, for diagnostics or tests.
func (h *Host) Services() []Service {
	out := make([]Service, len(h.services))
	copy(out, h.services)
	return out
}

// UnregisterService stops svc and removes it from the registry if present.
func (h *Host) UnregisterService(svc Service) {
	for i, s := range h.services {
		if s == svc {
			svc.Stop(h)
			h.services = append(h.services[:i], h.services[i+1:]...)
			return
		}
	}
}
