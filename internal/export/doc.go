// Package export models the ExportBundle, the immutable snapshot of executor,
// chain and contract descriptors that drives every dispatch.
package export
