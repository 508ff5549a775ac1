package myaudio

import "math"

// RMS returns the root mean square of samples, 0 for an empty slice
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Level maps an RMS value of full-scale float audio to a 0-100 meter
// reading covering -60 dBFS to -10 dBFS.
func Level(rms float64) int {
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	scaled := (db + 60) * (100.0 / 50.0)
	return int(math.Max(0, math.Min(100, scaled)))
}

// MinMax returns the smallest and largest sample, both 0 for an empty slice
func MinMax(samples []float32) (lo, hi float32) {
	if len(samples) == 0 {
		return 0, 0
	}
	lo, hi = samples[0], samples[0]
	for _, s := range samples[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return lo, hi
}
