package providers

import "fmt"

// ReduceAspectRatio reduces a width:height pair to lowest terms using the
// Euclidean algorithm, for adapters that need to tell an image/video model
// an aspect ratio string (e.g. "16:9") rather than raw pixel dimensions.
// No library in the example corpus does this — it's five lines of
// arithmetic, not a dependency.
func ReduceAspectRatio(width, height int) string {
	if width <= 0 || height <= 0 {
		return "1:1"
	}
	d := gcd(width, height)
	return fmt.Sprintf("%d:%d", width/d, height/d)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}
