// Package runs starts runs from chain and job definitions, answers run
// queries, and applies operator overrides (stop, retry, complete).
//
// Overrides only repair stored state. They never resume an engine; a node
// moved to RETRYING or SUCCESS by an operator is reconciled out of band.
package runs
