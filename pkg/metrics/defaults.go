package metrics

import "sync"

// Default metrics for the gateway.
// These are initialized by calling Init().
var (
	// HookInvocationsTotal counts every broker hook invocation the gateway handled.
	// Labels: hook (connect, publish, deliver, subscribe), outcome (accept, deny)
	HookInvocationsTotal *Counter

	// HookDuration tracks the time spent inside a hook's pipeline.
	// Labels: hook
	HookDuration *Histogram

	// DenialsTotal counts denied hook outcomes by error kind.
	// Labels: hook, reason (client_identifier_not_valid, bad_username_or_password,
	// not_authorized, impl_specific_error)
	DenialsTotal *Counter

	// ActiveConnections is a gauge of currently connected agents.
	// Labels: mode (agents, service-agents, observer-agents, bridge-agents);
	// payload-only service agents are counted under service-agents.
	ActiveConnections *Gauge

	// DynSubActive is a gauge of dynamic subscriptions currently tracked
	// in DynSubState.
	DynSubActive *Gauge

	// DynSubEventsTotal counts subscription.create/subscription.delete events
	// emitted by the dynamic-subscription engine.
	// Labels: label (subscription.create, subscription.delete)
	DynSubEventsTotal *Counter

	// AudienceEventsTotal counts audience lifecycle events published
	// (agent.enter, agent.leave) when stat is enabled.
	// Labels: label
	AudienceEventsTotal *Counter

	// defaultRegistry is the global metrics registry.
	defaultRegistry *Registry

	// initOnce ensures Init() is only called once.
	initOnce sync.Once
)

// Init initializes the default metrics and returns the registry.
// This function is idempotent and safe to call multiple times.
func Init() *Registry {
	initOnce.Do(func() {
		defaultRegistry = NewRegistry()

		HookInvocationsTotal = defaultRegistry.NewCounter(
			"gateway_hook_invocations_total",
			"Total number of broker hook invocations handled by the gateway",
			"hook", "outcome",
		)

		HookDuration = defaultRegistry.NewHistogram(
			"gateway_hook_duration_seconds",
			"Duration spent running a hook's pipeline",
			DefaultBuckets,
			"hook",
		)

		DenialsTotal = defaultRegistry.NewCounter(
			"gateway_denials_total",
			"Total number of denied hook outcomes by reason",
			"hook", "reason",
		)

		ActiveConnections = defaultRegistry.NewGauge(
			"gateway_active_connections",
			"Number of currently connected agents",
			"mode",
		)

		DynSubActive = defaultRegistry.NewGauge(
			"gateway_dynsub_active",
			"Number of dynamic subscriptions tracked in DynSubState",
		)

		DynSubEventsTotal = defaultRegistry.NewCounter(
			"gateway_dynsub_events_total",
			"Total number of subscription.create/subscription.delete events emitted",
			"label",
		)

		AudienceEventsTotal = defaultRegistry.NewCounter(
			"gateway_audience_events_total",
			"Total number of audience lifecycle events published",
			"label",
		)
	})

	return defaultRegistry
}

// DefaultRegistry returns the default metrics registry.
// Returns nil if Init() has not been called.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Reset resets all default metrics. Useful for testing.
// This also resets the initOnce, allowing Init() to be called again.
func Reset() {
	initOnce = sync.Once{}
	defaultRegistry = nil
	HookInvocationsTotal = nil
	HookDuration = nil
	DenialsTotal = nil
	ActiveConnections = nil
	DynSubActive = nil
	DynSubEventsTotal = nil
	AudienceEventsTotal = nil
}
