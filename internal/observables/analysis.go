package observables

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// StatisticalInefficiency estimates g = 1 + 2 tau for a correlated
// series from its normalised autocorrelation function, truncating the
// sum at the first non-positive term. g is never below one.
func StatisticalInefficiency(series []float64) float64 {
	n := len(series)
	if n < 3 {
		return 1
	}
	mean := stat.Mean(series, nil)
	centered := make([]float64, n)
	for i, v := range series {
		centered[i] = v - mean
	}
	variance := floats.Dot(centered, centered) / float64(n)
	if variance <= 0 {
		return 1
	}
	g := 1.0
	for lag := 1; lag < n-1; lag++ {
		c := floats.Dot(centered[:n-lag], centered[lag:]) / (float64(n-lag) * variance)
		if c <= 0 {
			break
		}
		g += 2 * c * (1 - float64(lag)/float64(n))
	}
	if g < 1 {
		return 1
	}
	return g
}

// Equilibration holds the outcome of equilibration detection on a
// correlated series.
type Equilibration struct {
	// StartIndex is the first production frame.
	StartIndex int
	// Inefficiency is the statistical inefficiency of the production
	// region.
	Inefficiency float64
	// EffectiveSamples is the decorrelated sample count of the
	// production region.
	EffectiveSamples float64
}

// DetectEquilibration scans candidate equilibration times and keeps the
// origin that maximises the effective sample count of the remaining
// series (the Chodera automatic equilibration detection scheme).
func DetectEquilibration(series []float64) Equilibration {
	n := len(series)
	if n < 4 {
		return Equilibration{StartIndex: 0, Inefficiency: 1, EffectiveSamples: float64(n)}
	}
	best := Equilibration{StartIndex: 0, Inefficiency: 1, EffectiveSamples: 0}
	// Sampling every origin is quadratic; step through at most 100
	// candidates, matching the reference implementation's striding.
	stride := n / 100
	if stride < 1 {
		stride = 1
	}
	for start := 0; start < n-2; start += stride {
		g := StatisticalInefficiency(series[start:])
		neff := float64(n-start) / g
		if neff > best.EffectiveSamples {
			best = Equilibration{StartIndex: start, Inefficiency: g, EffectiveSamples: neff}
		}
	}
	return best
}

// Subsample returns the indices of approximately decorrelated frames:
// every g-th frame starting from start.
func Subsample(n, start int, inefficiency float64) []int {
	if inefficiency < 1 {
		inefficiency = 1
	}
	var out []int
	for t := float64(start); int(t) < n; t += inefficiency {
		out = append(out, int(t))
	}
	return out
}

// BootstrapMean estimates the mean of a decorrelated series and its
// uncertainty by resampling with replacement.
func BootstrapMean(series []float64, iterations int, seed uint64) (mean, uncertainty float64, err error) {
	if len(series) == 0 {
		return 0, 0, fmt.Errorf("cannot bootstrap an empty series")
	}
	if iterations < 2 {
		iterations = 200
	}
	mean = stat.Mean(series, nil)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	resampled := make([]float64, len(series))
	means := make([]float64, iterations)
	for i := 0; i < iterations; i++ {
		for j := range resampled {
			resampled[j] = series[rng.IntN(len(series))]
		}
		means[i] = stat.Mean(resampled, nil)
	}
	uncertainty = math.Sqrt(stat.Variance(means, nil))
	return mean, uncertainty, nil
}

// BootstrapReweightedMean bootstraps the reweighted estimator itself:
// frames are resampled with replacement, weights and values together,
// and the weighted mean is recomputed per replicate. The spread of the
// replicates reflects the weight distribution, so a handful of
// high-weight frames widens the error bar the way it should.
func BootstrapReweightedMean(observable, referenceReduced, targetReduced []float64, iterations int, seed uint64) (uncertainty float64, err error) {
	n := len(observable)
	if n == 0 || len(referenceReduced) != n || len(targetReduced) != n {
		return 0, fmt.Errorf("reweighting requires aligned series, got %d/%d/%d",
			len(observable), len(referenceReduced), len(targetReduced))
	}
	if iterations < 2 {
		iterations = 200
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	obs := make([]float64, n)
	ref := make([]float64, n)
	tgt := make([]float64, n)
	means := make([]float64, 0, iterations)
	for i := 0; i < iterations; i++ {
		for j := 0; j < n; j++ {
			k := rng.IntN(n)
			obs[j], ref[j], tgt[j] = observable[k], referenceReduced[k], targetReduced[k]
		}
		mean, _, err := ReweightedMean(obs, ref, tgt)
		if err != nil {
			continue
		}
		means = append(means, mean)
	}
	if len(means) < 2 {
		return 0, fmt.Errorf("reweighted bootstrap produced no usable replicates")
	}
	return math.Sqrt(stat.Variance(means, nil)), nil
}

// ReweightedMean computes a single-state reweighted average of the
// observable: weights follow from the difference between target and
// reference reduced potentials via a log-sum-exp normalisation. It
// also returns the effective sample count of the weight distribution.
func ReweightedMean(observable, referenceReduced, targetReduced []float64) (mean, effectiveSamples float64, err error) {
	n := len(observable)
	if n == 0 || len(referenceReduced) != n || len(targetReduced) != n {
		return 0, 0, fmt.Errorf("reweighting requires aligned series, got %d/%d/%d",
			len(observable), len(referenceReduced), len(targetReduced))
	}
	logWeights := make([]float64, n)
	for i := 0; i < n; i++ {
		logWeights[i] = referenceReduced[i] - targetReduced[i]
	}
	norm := floats.LogSumExp(logWeights)
	weights := make([]float64, n)
	sumSquares := 0.0
	for i := range logWeights {
		weights[i] = math.Exp(logWeights[i] - norm)
		mean += weights[i] * observable[i]
		sumSquares += weights[i] * weights[i]
	}
	if sumSquares == 0 {
		return 0, 0, fmt.Errorf("reweighting produced degenerate weights")
	}
	// Kish effective sample size.
	effectiveSamples = 1 / sumSquares
	return mean, effectiveSamples, nil
}
