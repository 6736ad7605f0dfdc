package strategy

import (
	"github.com/hestia-gateway/hestia/internal/domain"
)

// ModelRouter maps a key from the request body (routing.by_model) straight
// to an instance URL and delegates to the load balancer when no mapping
// matches.
type ModelRouter struct {
	lb *LoadBalancer
}

func NewModelRouter(lb *LoadBalancer) *ModelRouter {
	return &ModelRouter{lb: lb}
}

func (m *ModelRouter) Name() string { return "model_router" }

func (m *ModelRouter) Resolve(serviceID string, ctx *RequestContext, cfg *domain.ServiceConfig) (string, Reason, error) {
	modelKey := cfg.Routing.ModelKey
	if modelKey == "" {
		modelKey = "model"
	}

	if model := ctx.BodyString(modelKey); model != "" {
		if target, ok := cfg.Routing.ByModel[model]; ok && target != "" {
			return target, MappingHit, nil
		}
	}

	return m.lb.Resolve(serviceID, ctx, cfg)
}
