// Package diag defines the diagnostic model shared by every compiler phase.
//
// Diagnostic is the central record: a Severity, a numeric Code with a stable
// string ID, a short Message, the Primary source span and optional Notes that
// point at related spans (for example the earlier borrow that conflicts with
// the one being reported).
//
// Producers never format or print. They emit through a Reporter, usually a
// BagReporter that appends into a Bag owned by one compilation run. Rendering
// lives in internal/diagfmt.
//
// Conditions that mean the compiler cannot trust its own output are not
// diagnostics in a Bag. They are returned as *InternalError values which abort
// the run; see internal.go.
package diag
