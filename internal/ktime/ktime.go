// Package ktime converts between wall-clock units (milliseconds,
// microseconds) and the platform timer's tick count, and programs the
// next timer interrupt through the riscv64 trampoline contracts.
package ktime

import "github.com/GeraldLeeDoesThings/EepyOS/internal/kconfig"

// TimerDevice is the minimal surface ktime needs from the platform
// timer: read the current tick count, and program the tick at which the
// next interrupt should fire. Production code backs this with
// riscv64.GetTime/riscv64.SetTimecmp; tests supply an in-memory fake.
type TimerDevice interface {
	Now() uint64
	SetTimecmp(uint64)
}

// UsToTicks converts a duration in microseconds to a tick count at
// kconfig.TimerFreq.
func UsToTicks(us uint64) uint64 {
	return kconfig.UsToTicks(us)
}

// MsToTicks converts a duration in milliseconds to a tick count.
func MsToTicks(ms uint64) uint64 {
	return UsToTicks(ms * 1000)
}

// SetTimecmpDelayUs reads dev's current tick count and programs the next
// timer interrupt to fire deltaUs microseconds from now.
func SetTimecmpDelayUs(dev TimerDevice, deltaUs uint64) {
	dev.SetTimecmp(dev.Now() + UsToTicks(deltaUs))
}

// SetTimecmpDelayMs is the millisecond convenience wrapper used by the
// scheduler to program each thread's quantum.
func SetTimecmpDelayMs(dev TimerDevice, deltaMs uint64) {
	SetTimecmpDelayUs(dev, deltaMs*1000)
}
