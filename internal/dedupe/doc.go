// Package dedupe keeps a bounded, time-limited set of recently seen keys.
package dedupe
