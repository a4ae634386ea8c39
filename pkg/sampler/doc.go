// Package sampler averages pixel values over square windows of rendered
// buffers.
//
// Coordinates passed to Sample are in the source photo's frame. They are
// mapped through a Transform (crop offset, flips, rotation, scale) into the
// rendered frame, and the window is then clipped against the bounds of the
// buffer actually returned by the engine. Pixels outside those bounds are
// skipped, never clamped, so a Patch with Count == 0 means "no data" and must
// not be read as black.
package sampler
