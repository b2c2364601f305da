// Package workflow implements the weft execution engine core: workflow
// and agent definitions, DAG validation with parallel-tier ordering,
// template resolution against the accumulated run context, the approval
// gate for human-gated nodes, and the engine that drives a WorkflowRun
// from trigger to terminal state.
//
// Container execution lives in the executor package; persistence in
// store; event transport in eventbridge. The engine talks to all of
// them through narrow interfaces declared here.
package workflow
