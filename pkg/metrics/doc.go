// Package metrics defines the Prometheus collectors exported by the
// duplikit control plane: session counts by status, transfer throughput,
// API request accounting and deadline-sweep timings.
package metrics
