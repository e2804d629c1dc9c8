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

	"gonum.org/v1/gonum/mat"
)

const log2Pi = 1.8378770664093454835606594728112352797227949472755668

// diagonal jitter added to a covariance matrix whenever its Cholesky
// factorization fails
const sigmaJitter = 1e-4

// A multivariateGaussian is one component of a Gaussian mixture model:
// a mean vector, a covariance matrix, and a mixture weight, with the
// density evaluated in log space through the Cholesky factors of the
// covariance.
type multivariateGaussian struct {
	dim              int
	mu               *mat.VecDense
	sigma            *mat.SymDense
	chol             mat.Cholesky
	logDetSigma      float64
	logMixtureWeight float64
	// effective sample count from the most recent E step
	sumProb float64
}

func newMultivariateGaussian(dim int) *multivariateGaussian {
	return &multivariateGaussian{
		dim:   dim,
		mu:    mat.NewVecDense(dim, nil),
		sigma: mat.NewSymDense(dim, nil),
	}
}

// initialize sets the component's mean, covariance, and log mixture
// weight, and factorizes the covariance.
func (g *multivariateGaussian) initialize(mean []float64, sigma *mat.SymDense, logWeight float64) {
	for i := 0; i < g.dim; i++ {
		g.mu.SetVec(i, mean[i])
	}
	g.sigma.CopySym(sigma)
	g.logMixtureWeight = logWeight
	g.precompute()
}

// precompute factorizes the covariance, enforcing invertibility by
// additive diagonal shrinkage: jitter is added to the diagonal until
// the Cholesky factorization succeeds. Numerical degeneracy is
// repaired here and never surfaced to the caller.
func (g *multivariateGaussian) precompute() {
	for !g.chol.Factorize(g.sigma) {
		for i := 0; i < g.dim; i++ {
			g.sigma.SetSym(i, i, g.sigma.At(i, i)+sigmaJitter)
		}
	}
	g.logDetSigma = g.chol.LogDet()
}

// gaussianScratch holds per-worker buffers for density evaluation, so
// that a frozen model can be shared across concurrent scoring workers.
type gaussianScratch struct {
	diff, solved *mat.VecDense
}

func newGaussianScratch(dim int) *gaussianScratch {
	return &gaussianScratch{
		diff:   mat.NewVecDense(dim, nil),
		solved: mat.NewVecDense(dim, nil),
	}
}

// logDensity evaluates ln N(x | mu, sigma) through the Cholesky
// factors, avoiding underflow for far-out annotation vectors.
func (g *multivariateGaussian) logDensity(x []float64, scratch *gaussianScratch) float64 {
	for i := 0; i < g.dim; i++ {
		scratch.diff.SetVec(i, x[i]-g.mu.AtVec(i))
	}
	if err := g.chol.SolveVecTo(scratch.solved, scratch.diff); err != nil {
		// the factorization is kept invertible by precompute
		return math.Inf(-1)
	}
	mahalanobis := mat.Dot(scratch.diff, scratch.solved)
	return -0.5 * (float64(g.dim)*log2Pi + g.logDetSigma + mahalanobis)
}

// logMarginalDensity evaluates the log density of the one-dimensional
// marginal of this component along the given annotation dimension.
func (g *multivariateGaussian) logMarginalDensity(dim int, x float64) float64 {
	variance := g.sigma.At(dim, dim)
	diff := x - g.mu.AtVec(dim)
	return -0.5 * (log2Pi + math.Log(variance) + diff*diff/variance)
}
