package speedtest

import (
	"math"
	"time"
)

func getMean(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}

	sum := float64(0)
	for _, element := range series {
		sum += element
	}

	return sum / float64(len(series))
}

// getMeanAbsDeviation returns the mean absolute difference between
// consecutive samples. Fewer than two samples leave no pair to compare, so
// the deviation is 0.
func getMeanAbsDeviation(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}

	sum := float64(0)
	for i := 1; i < len(series); i++ {
		sum += math.Abs(series[i] - series[i-1])
	}

	return sum / float64(len(series)-1)
}

// throughputMbps converts a transferred byte count and its wall-clock
// duration into megabits per second (decimal megabits, SI convention).
func throughputMbps(sizeBytes int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}

	return float64(8*sizeBytes) / secs / (1000 * 1000)
}

func durationMS(duration time.Duration) float64 {
	return float64(duration.Microseconds()) / 1000
}
