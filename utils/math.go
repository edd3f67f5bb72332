// Package utils contains small shared helpers.
package utils

import "math"

func RadToDeg(radians float64) float64 {
	return radians * 180 / math.Pi
}

func MaxInt(a, b int) int {
	if a < b {
		return b
	}
	return a
}

// Square is cheaper than math.Pow(n, 2).
func Square(n float64) float64 {
	return n * n
}
