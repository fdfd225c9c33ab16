// Package export stores ranked attributions in SQLite so downstream tools
// can query "which training examples drove this prediction" without
// loading the full score matrix.
package export
