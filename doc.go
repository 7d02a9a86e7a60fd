// Package runlet is a microservice runtime that routes inbound work from
// HTTP routes and pub/sub topics to registered handlers through one
// invocation dispatcher. It reads the target queue system (AWS SNS/SQS,
// NATS JetStream, or in-memory Go channels) from Config, builds one
// consumer per topic/queue subscription, and registers the default
// middleware chain for correlation IDs, logging, tracing, metrics, and
// panic recovery.
//
// Handlers live in named modules. The file watcher observes source
// directories and, after a debounced burst of changes, rebuilds the handler
// registry from the module loaders and atomically swaps it in; a broken
// module keeps the previous registry and the service keeps serving.
// Transports are supervised: a restart trigger drains all consumers and the
// HTTP listener, rebuilds them from fresh provider connections, and starts
// the new set. Concurrent triggers coalesce into exactly one cycle.
//
// # Queue semantics
//
// Messages are published to topics; every queue subscribed to a topic
// receives its own copy. Delivery is at least once: a message is deleted
// from its queue only after its handler finishes without error. Handler
// errors return the message for redelivery; malformed and unroutable
// messages are logged and discarded. During a drain, in-flight handlers get
// a bounded grace period and anything unfinished is left unacked so the
// queue redelivers it.
//
// # Transports
//
// Runlet supports 3 queue providers out of the box:
//   - channel: In-memory Go channels for testing
//   - aws: AWS SNS/SQS with LocalStack support
//   - nats: NATS JetStream pull consumers
//
// A minimal setup fills Config, creates a Service, registers handlers or
// modules, and calls Start; see the examples directory for runnable
// snippets.
package runlet
