// Package calibration implements the closed-loop white balance and exposure
// calibration of a single photo. It contains:
//
//   - Phase: the discrete steps of the calibration state machine
//   - State: the scratch values the controller updates between renders
//   - Status: a view model returned by the daemon HTTP API
//   - Controller: the state machine driving a render coordinator
//
// The controller only advances when a render result is delivered. It first
// sets a custom white balance from a spot measurement, then searches the
// exposure compensation until the lightness of the sampled region lands in
// the target band or the iteration cap is reached.
package calibration
