// Package geo provides bearing arithmetic for bow-relative angles.
//
// All public helpers operate in degrees. Bearings are bow-relative:
// 0 is dead ahead, angles grow clockwise, and the canonical range is
// [0, 360). Signed offsets (pattern spans, angular differences) use
// [-180, 180).
package geo

import "math"

// Wrap360 normalizes an angle in degrees to [0, 360).
func Wrap360(deg float64) float64 {
	w := math.Mod(deg, 360)
	if w < 0 {
		w += 360
	}
	// math.Mod can yield 360 - epsilon rounding back up to 360 after the
	// negative adjustment; fold that back to 0.
	if w >= 360 {
		w -= 360
	}
	return w
}

// Wrap180 normalizes an angle in degrees to [-180, 180).
func Wrap180(deg float64) float64 {
	w := Wrap360(deg)
	if w >= 180 {
		w -= 360
	}
	return w
}

// Diff returns the smallest signed rotation from bearing a to bearing b,
// in degrees within [-180, 180).
func Diff(a, b float64) float64 {
	return Wrap180(b - a)
}

// Between reports whether bearing x lies on the clockwise arc from lo to hi
// (inclusive on both ends). The arc may cross the 0/360 seam.
func Between(x, lo, hi float64) bool {
	x, lo, hi = Wrap360(x), Wrap360(lo), Wrap360(hi)
	if lo <= hi {
		return x >= lo && x <= hi
	}
	return x >= lo || x <= hi
}
