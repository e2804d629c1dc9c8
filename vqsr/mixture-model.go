// vqsr: a tool for recalibrating variant quality scores in genomic call sets.
// Copyright (c) 2021 seqlab.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/seqlab/vqsr/blob/master/LICENSE.txt>.

package vqsr

import (
	"math"

	"github.com/exascience/pargo/parallel"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/seqlab/vqsr/internal"
)

// effective sample count below which a component's parameters are
// reset to the prior instead of re-estimated
const minEffectiveSampleCount = 1e-6

// A GaussianMixtureModel is an ordered ensemble of multivariate
// Gaussian components, trained with expectation-maximization and
// frozen afterwards. A frozen model is read-only and safe to share
// across concurrent scoring workers.
type GaussianMixtureModel struct {
	gaussians []*multivariateGaussian
	dim       int
	params    ModelParams
}

func newGaussianMixtureModel(numGaussians, dim int, params ModelParams) *GaussianMixtureModel {
	gaussians := make([]*multivariateGaussian, numGaussians)
	for i := range gaussians {
		gaussians[i] = newMultivariateGaussian(dim)
	}
	return &GaussianMixtureModel{gaussians: gaussians, dim: dim, params: params}
}

// NumGaussians returns the number of surviving components.
func (m *GaussianMixtureModel) NumGaussians() int {
	return len(m.gaussians)
}

// MixtureWeights returns the mixture weights of the surviving
// components. They sum to 1 up to floating-point tolerance.
func (m *GaussianMixtureModel) MixtureWeights() []float64 {
	weights := make([]float64, len(m.gaussians))
	for i, g := range m.gaussians {
		weights[i] = math.Exp(g.logMixtureWeight)
	}
	return weights
}

// initialize seeds the component means with farthest-point k-means
// style seeding, and every component covariance with the scaled global
// sample covariance of the data.
func (m *GaussianMixtureModel) initialize(data []*VariantDatum, random *internal.Rand) {
	obs := mat.NewDense(len(data), m.dim, nil)
	for i, datum := range data {
		obs.SetRow(i, datum.Annotations)
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, obs, nil)
	scaled := mat.NewSymDense(m.dim, nil)
	scaled.ScaleSym(m.params.InitialCovarianceScale, &cov)

	means := seedMeans(data, len(m.gaussians), random)
	logWeight := -math.Log(float64(len(m.gaussians)))
	for i, g := range m.gaussians {
		g.initialize(means[i], scaled, logWeight)
	}
}

// seedMeans picks the first mean at random, then iteratively the datum
// farthest (in normalized squared distance) from all already chosen
// means, so the initial components are well separated.
func seedMeans(data []*VariantDatum, numMeans int, random *internal.Rand) [][]float64 {
	chosen := make([][]float64, 0, numMeans)
	first := data[random.Int31n(int32(len(data)))]
	chosen = append(chosen, first.Annotations)
	minDist := make([]float64, len(data))
	for i, datum := range data {
		minDist[i] = squaredDistance(datum.Annotations, first.Annotations)
	}
	for len(chosen) < numMeans {
		farthest, farthestDist := 0, -1.0
		for i := range data {
			if minDist[i] > farthestDist {
				farthest, farthestDist = i, minDist[i]
			}
		}
		mean := data[farthest].Annotations
		chosen = append(chosen, mean)
		for i, datum := range data {
			if dist := squaredDistance(datum.Annotations, mean); dist < minDist[i] {
				minDist[i] = dist
			}
		}
	}
	return chosen
}

func squaredDistance(x, y []float64) (dist float64) {
	for i := range x {
		diff := x[i] - y[i]
		dist += diff * diff
	}
	return dist
}

// emStats accumulates the responsibility-weighted sufficient
// statistics of one E step. The accumulators are associative, so
// statistics from independently processed shards can be combined
// before the M step.
type emStats struct {
	logLikelihood float64
	sumProb       []float64
	muSums        []*mat.VecDense
	sigmaSums     []*mat.SymDense
}

func newEMStats(numGaussians, dim int) *emStats {
	stats := &emStats{
		sumProb:   make([]float64, numGaussians),
		muSums:    make([]*mat.VecDense, numGaussians),
		sigmaSums: make([]*mat.SymDense, numGaussians),
	}
	for i := 0; i < numGaussians; i++ {
		stats.muSums[i] = mat.NewVecDense(dim, nil)
		stats.sigmaSums[i] = mat.NewSymDense(dim, nil)
	}
	return stats
}

func (stats *emStats) merge(other *emStats) *emStats {
	stats.logLikelihood += other.logLikelihood
	for i := range stats.sumProb {
		stats.sumProb[i] += other.sumProb[i]
		stats.muSums[i].AddVec(stats.muSums[i], other.muSums[i])
		stats.sigmaSums[i].AddSym(stats.sigmaSums[i], other.sigmaSums[i])
	}
	return stats
}

// expectationStep computes the posterior responsibility of every
// component for every datum, and reduces the responsibility-weighted
// sufficient statistics in parallel. The returned log-likelihood is
// that of the data under the current (pre-update) parameters.
func (m *GaussianMixtureModel) expectationStep(data []*VariantDatum) *emStats {
	result := parallel.RangeReduce(0, len(data), 0, func(low, high int) interface{} {
		stats := newEMStats(len(m.gaussians), m.dim)
		scratch := newGaussianScratch(m.dim)
		logs := make([]float64, len(m.gaussians))
		for _, datum := range data[low:high] {
			for i, g := range m.gaussians {
				logs[i] = g.logMixtureWeight + g.logDensity(datum.Annotations, scratch)
			}
			logTotal := logSumExp(logs)
			stats.logLikelihood += logTotal
			x := mat.NewVecDense(m.dim, datum.Annotations)
			for i := range m.gaussians {
				gamma := math.Exp(logs[i] - logTotal)
				stats.sumProb[i] += gamma
				stats.muSums[i].AddScaledVec(stats.muSums[i], gamma, x)
				stats.sigmaSums[i].SymRankOne(stats.sigmaSums[i], gamma, x)
			}
		}
		return stats
	}, func(stats1, stats2 interface{}) interface{} {
		return stats1.(*emStats).merge(stats2.(*emStats))
	})
	return result.(*emStats)
}

// maximizationStep re-estimates every component from the accumulated
// sufficient statistics. Means are shrunk toward the origin (the prior
// mean of normalized annotations), covariances are blended with the
// identity prior in proportion to the priorCounts pseudo-count, and
// mixture weights carry a symmetric Dirichlet prior.
func (m *GaussianMixtureModel) maximizationStep(stats *emStats) {
	var totalProb float64
	for _, n := range stats.sumProb {
		totalProb += n
	}
	numGaussians := float64(len(m.gaussians))
	for i, g := range m.gaussians {
		n := stats.sumProb[i]
		g.sumProb = n
		if n < minEffectiveSampleCount {
			// a component that no datum supports collapses to the prior;
			// it is pruned after convergence
			for d := 0; d < m.dim; d++ {
				g.mu.SetVec(d, 0)
				for e := d; e < m.dim; e++ {
					if d == e {
						g.sigma.SetSym(d, e, 1)
					} else {
						g.sigma.SetSym(d, e, 0)
					}
				}
			}
		} else {
			shrunkDenom := n + m.params.Shrinkage
			for d := 0; d < m.dim; d++ {
				g.mu.SetVec(d, stats.muSums[i].AtVec(d)/shrunkDenom)
			}
			for d := 0; d < m.dim; d++ {
				xbarD := stats.muSums[i].AtVec(d) / n
				muD := g.mu.AtVec(d)
				for e := d; e < m.dim; e++ {
					xbarE := stats.muSums[i].AtVec(e) / n
					muE := g.mu.AtVec(e)
					second := stats.sigmaSums[i].At(d, e)/n - xbarD*muE - muD*xbarE + muD*muE
					prior := 0.0
					if d == e {
						prior = m.params.PriorCounts
					}
					g.sigma.SetSym(d, e, (n*second+prior)/(n+m.params.PriorCounts))
				}
			}
		}
		g.logMixtureWeight = math.Log((n + m.params.DirichletParameter) /
			(totalProb + numGaussians*m.params.DirichletParameter))
		g.precompute()
	}
}

// evaluateDatum returns the log10 likelihood of the datum's annotation
// vector under this model.
func (m *GaussianMixtureModel) evaluateDatum(datum *VariantDatum, scratch *gaussianScratch, logs []float64) float64 {
	for i, g := range m.gaussians {
		logs[i] = g.logMixtureWeight + g.logDensity(datum.Annotations, scratch)
	}
	return logSumExp(logs) * math.Log10E
}

// evaluateDatumMarginal returns the log10 likelihood of a single
// annotation value under the model's one-dimensional marginal along
// the given dimension.
func (m *GaussianMixtureModel) evaluateDatumMarginal(dim int, x float64, logs []float64) float64 {
	for i, g := range m.gaussians {
		logs[i] = g.logMixtureWeight + g.logMarginalDensity(dim, x)
	}
	return logSumExp(logs) * math.Log10E
}

// prune removes components whose mixture weight or effective sample
// count fell below the floor, preserving the order of the survivors,
// and renormalizes the surviving weights. At least one component
// always survives.
func (m *GaussianMixtureModel) prune(minWeight float64) (pruned int) {
	survivors := m.gaussians[:0]
	heaviest := m.gaussians[0]
	for _, g := range m.gaussians {
		if g.logMixtureWeight > heaviest.logMixtureWeight {
			heaviest = g
		}
	}
	for _, g := range m.gaussians {
		if (math.Exp(g.logMixtureWeight) < minWeight || g.sumProb < minEffectiveSampleCount) && g != heaviest {
			pruned++
			continue
		}
		survivors = append(survivors, g)
	}
	m.gaussians = survivors
	if pruned > 0 {
		m.normalizeMixtureWeights()
	}
	return pruned
}

func (m *GaussianMixtureModel) normalizeMixtureWeights() {
	logs := make([]float64, len(m.gaussians))
	for i, g := range m.gaussians {
		logs[i] = g.logMixtureWeight
	}
	logTotal := logSumExp(logs)
	for _, g := range m.gaussians {
		g.logMixtureWeight -= logTotal
	}
}

// logSumExp computes log(sum(exp(logs))) without underflow.
func logSumExp(logs []float64) float64 {
	maxLog := math.Inf(-1)
	for _, l := range logs {
		if l > maxLog {
			maxLog = l
		}
	}
	if math.IsInf(maxLog, -1) {
		return maxLog
	}
	var sum float64
	for _, l := range logs {
		sum += math.Exp(l - maxLog)
	}
	return maxLog + math.Log(sum)
}
