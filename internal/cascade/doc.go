// Package cascade decomposes one task into an ordered pipeline of steps and
// runs them against a backend.
//
// A Round keeps two queues. Steps wait in the unresolved queue in execution
// order and move to the resolved queue once they succeed. Before a step runs
// it is handed the generation prefix: the outcomes of every resolved step
// joined by the round's separator, followed by the step's own seed or
// guidance text. Guidance steps contribute literal text and never call the
// backend; inference steps continue generation from the prefix.
//
// RunAllSteps is all-or-nothing. If any step fails, every step is returned
// to the unresolved queue in its original order and the user turn the round
// added to the conversation is removed again, so the round can be rerun from
// scratch.
package cascade
