package runtime

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/drblury/servicekit/runtime"

// runHooks starts every hook on its own goroutine. Failures and panics become
// warnings scoped to the hook. With wait set it returns once all hooks have
// finished.
func (s *Service) runHooks(ctx context.Context, hooks []Binding, wait bool) {
	var wg sync.WaitGroup
	for _, b := range hooks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.runHook(ctx, b); err != nil {
				s.rt.metrics.RecordHookFailure(s.name + "." + b.Name)
				s.rt.alerts.PublishWarning(s.name, fmt.Sprintf("Failed to run %s hook %s: %v", b.Kind, b.Name, err))
			}
		}()
	}
	if wait {
		wg.Wait()
	}
}

func (s *Service) runHook(ctx context.Context, b Binding) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, b.Kind.String()+" "+b.Name)
	span.SetAttributes(
		attribute.String("servicekit.service", s.name),
		attribute.String("servicekit.hook", b.Name),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return b.hook(ctx, s)
}
