// The C-callable control surface of spec.md §6 "CLI surface... exposed via
// exported C symbols". Each function is a thin adapter onto the lifecycle
// controller; none of them do profiler work themselves.
package main

import "C"

import "context"

//export memory_profiler_start
func memory_profiler_start() {
	if err := controller.Start(); err != nil {
		logger.Error().Err(err).Msg("memory_profiler_start failed")
	}
}

//export memory_profiler_stop
func memory_profiler_stop() {
	if err := controller.Stop(context.Background()); err != nil {
		logger.Error().Err(err).Msg("memory_profiler_stop failed")
	}
}

//export memory_profiler_sync
func memory_profiler_sync() {
	if err := controller.Sync(context.Background()); err != nil {
		logger.Error().Err(err).Msg("memory_profiler_sync failed")
	}
}

//export memory_profiler_set_marker
func memory_profiler_set_marker(value C.uint32_t) {
	controller.SetMarker(uint32(value))
}

//export memory_profiler_override_next_timestamp
func memory_profiler_override_next_timestamp(ns C.uint64_t) {
	controller.OverrideNextTimestamp(uint64(ns))
}
