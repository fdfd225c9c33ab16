// Package conv provides checked integer conversions and zero-copy views
// between byte slices and float slices.
//
// Checked conversions are used when reading on-disk headers (feature files,
// correction matrices, checkpoint files) so that a corrupted count can never
// turn into a negative or wrapped slice length.
package conv
