// Package slidingwindow implements an exact sliding-window-log rate
// limiter: per key it keeps the timestamp of every admitted event still
// inside a trailing window, so admission counts are precise rather than
// bucketed approximations.
//
// This is a single-instance, in-memory limiter. It does not share state
// across processes and does not persist across restarts. For distributed
// limiting, put shared state (e.g. Redis) in front of your fleet instead.
package slidingwindow
