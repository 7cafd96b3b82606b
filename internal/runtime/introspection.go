package runtime

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/servicekit/internal/runtime/config"
	"github.com/drblury/servicekit/internal/runtime/httpserver"
	"github.com/drblury/servicekit/internal/runtime/metrics"
)

// BindingInfo describes a binding on the /_bindings route.
type BindingInfo struct {
	Kind     string                `json:"kind"`
	Name     string                `json:"name"`
	Address  string                `json:"address,omitempty"`
	Override string                `json:"override,omitempty"`
	Stats    *metrics.BindingStats `json:"stats,omitempty"`
}

// introspectionRoutes are mounted on every service: the directory of running
// services in the runtime and this service's bindings.
func (s *Service) introspectionRoutes() httpserver.RouteGroup {
	return httpserver.Group("",
		httpserver.GET("/service", func(c *httpserver.Context) error {
			return c.JSON(s.rt.Services())
		}),
		httpserver.GET("/service/{name}", func(c *httpserver.Context) error {
			name := c.Param("name")
			url, ok := s.rt.Lookup(name)
			if !ok {
				return httpserver.NewError(http.StatusNotFound, "no running service named "+name)
			}
			return c.JSON(ServiceInfo{Name: name, URL: url})
		}),
		httpserver.GET("/_bindings", func(c *httpserver.Context) error {
			return c.JSON(s.bindingInfo())
		}),
	)
}

func (s *Service) bindingInfo() []BindingInfo {
	out := make([]BindingInfo, 0, len(s.bindings))
	for _, b := range s.bindings {
		info := BindingInfo{Kind: b.Kind.String(), Name: b.Name}
		if b.Kind == Listener || b.Kind == Publisher {
			info.Address = b.Address
			info.Override = config.RedactURL(b.OverrideAddress)
			info.Stats = s.rt.metrics.Binding(s.name + "." + b.Name)
		}
		out = append(out, info)
	}
	return out
}

func (rt *Runtime) metricsHandler() http.Handler {
	return promhttp.HandlerFor(rt.prom, promhttp.HandlerOpts{Registry: rt.prom})
}
