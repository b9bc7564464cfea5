// Package scheduler is the keyed front of the delayed-task engine.
//
// Each job id owns at most one pending execution. Scheduling an id again
// cancels the previous execution and installs the new payload; when a job
// fires, the processor receives (id, payload) and the entry is removed only
// if it still belongs to the execution that fired.
package scheduler
