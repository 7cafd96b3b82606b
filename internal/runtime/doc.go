/*
Package runtime turns plain business objects into running services.

# Architecture Overview

A business object declares its capabilities by implementing Capable. Discovery
records the declared members as bindings without starting anything; a Service
then wires the bindings into an HTTP server, lifecycle hooks and broker
workers. Every Service lives in a Runtime that owns the embedded broker, the
alert channel and the metrics registry.

# Package Structure

## Runtime (runtime.go)

NewRuntime validates the configuration, starts the broker and then the alert
channel. Close stops running services, the alert channel and the broker, in
that order. The runtime also keeps the directory of running services behind
Lookup and the /service routes.

## Capability Discovery (registration.go)

Registry collects declarations: route groups, before and after hooks,
listeners, publishers, HTTP configuration hooks and at most one codec hook.
Signatures are checked with a type switch and every violation is reported as a
*errors.ConfigError naming the member.

## Service Lifecycle (service.go, hooks.go, commands.go)

Start drives options, HTTP construction, before hooks, the HTTP listener,
after hooks, listeners and publishers, in that order. Stop is the mirror image
and announces the stop on the alert channel.

## Introspection (introspection.go)

Every service serves /service, /service/{name} and /_bindings, plus the
Prometheus endpoint when metrics are enabled.

# Sub-packages

  - alert/: Warning and severe fault records, the watchdog and the notifier
  - broker/: Embedded NATS server, connection cache and scheme registry
  - config/: Runtime configuration and the option resolver
  - destination/: queue:// and topic:// addressing
  - errors/: Sentinel errors and ConfigError
  - httpserver/: chi router, route groups and the request Context
  - ids/: ULID generation
  - jsoncodec/: Body codecs
  - logging/: Logger interface and adapters
  - metadata/: Message headers and trace propagation
  - metrics/: Prometheus collectors and per-binding stats
  - worker/: Listener and publisher workers and the publish queue

# Usage Example

	rt, err := runtime.NewRuntime(ctx, config.Default(), log)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := runtime.NewService(rt, &PlacesService{})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx, os.Args[1:]...); err != nil {
		return err
	}
*/
package runtime
