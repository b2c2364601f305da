// Command weft is the workflow orchestration server binary. It wires
// the store, agent registry, approval gate, container executor, event
// bridge, and execution engine behind an HTTP control API, with
// Prometheus metrics on a separate listener.
package main
