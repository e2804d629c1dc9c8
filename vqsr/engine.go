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
	"fmt"
	"log"
	"math"

	"github.com/exascience/pargo/parallel"

	"github.com/seqlab/vqsr/internal"
)

// MinAcceptableLodScore is the lod floor assigned to alleles without a
// usable score, such as spanning deletions or datums whose density
// evaluation degenerated.
const MinAcceptableLodScore = -20000.0

// extra EM iterations after degenerate components have been pruned
const refinementIterations = 2

// A RecalibratorEngine trains Gaussian mixture models over variant
// annotation vectors and scores datums against a trained model pair.
type RecalibratorEngine struct {
	params ModelParams
	random *internal.Rand
}

// NewRecalibratorEngine creates an engine. The caller supplies the
// fixed-seed random number generator; a given seed makes the whole run
// reproducible.
func NewRecalibratorEngine(params ModelParams, random *internal.Rand) *RecalibratorEngine {
	return &RecalibratorEngine{params: params, random: random}
}

// TrainModel fits a Gaussian mixture model with up to maxGaussians
// components to the given data using expectation-maximization. When
// the data set is smaller than the requested component count, the
// count is reduced rather than failing. Slow convergence is not an
// error: the model of the last completed iteration is returned when
// the iteration cap is reached.
func (e *RecalibratorEngine) TrainModel(data []*VariantDatum, maxGaussians int) (*GaussianMixtureModel, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot train a model without data")
	}
	numGaussians := maxGaussians
	if len(data) < numGaussians {
		log.Printf("Warning: reducing the number of Gaussians from %v to %v because the training set is small.", numGaussians, len(data))
		numGaussians = len(data)
	}
	dim := len(data[0].Annotations)
	model := newGaussianMixtureModel(numGaussians, dim, e.params)
	model.initialize(data, e.random)

	prevLikelihood := math.Inf(-1)
	for iteration := 1; iteration <= e.params.MaxIterations; iteration++ {
		stats := model.expectationStep(data)
		model.maximizationStep(stats)
		improvement := stats.logLikelihood - prevLikelihood
		log.Printf("Finished iteration %v, log-likelihood %v.", iteration, stats.logLikelihood)
		if improvement < e.params.ConvergenceTolerance*(math.Abs(stats.logLikelihood)+1) {
			log.Printf("Convergence after %v iterations.", iteration)
			break
		}
		prevLikelihood = stats.logLikelihood
	}

	if pruned := model.prune(e.params.MinGaussianWeight); pruned > 0 {
		log.Printf("Pruned %v degenerate Gaussians, refining the remaining %v.", pruned, model.NumGaussians())
		for i := 0; i < refinementIterations; i++ {
			model.maximizationStep(model.expectationStep(data))
		}
	}
	return model, nil
}

// EvaluateData scores every datum against the model, in parallel. With
// contrastive false, the datum's lod becomes the log10 likelihood
// under the model; with contrastive true, the previously stored
// (positive-model) lod minus the likelihood under this model, i.e. the
// final log-odds score. A degenerate (non-finite) evaluation clamps to
// the lod floor instead of failing: such datums collapse to the
// imputation prior and simply score as low confidence.
func (e *RecalibratorEngine) EvaluateData(data []*VariantDatum, model *GaussianMixtureModel, contrastive bool) {
	parallel.Range(0, len(data), 0, func(low, high int) {
		scratch := newGaussianScratch(model.dim)
		logs := make([]float64, model.NumGaussians())
		for _, datum := range data[low:high] {
			lod := model.evaluateDatum(datum, scratch, logs)
			if contrastive {
				lod = datum.Lod - lod
			}
			if math.IsNaN(lod) || math.IsInf(lod, 0) {
				lod = MinAcceptableLodScore
			}
			datum.Lod = lod
		}
	})
}

// CalculateWorstPerformingAnnotation determines, for every datum, the
// annotation dimension whose one-dimensional marginal most favors the
// negative model over the positive model. This is a diagnostic label
// only; it does not enter the score.
func (e *RecalibratorEngine) CalculateWorstPerformingAnnotation(data []*VariantDatum, goodModel, badModel *GaussianMixtureModel) {
	parallel.Range(0, len(data), 0, func(low, high int) {
		goodLogs := make([]float64, goodModel.NumGaussians())
		badLogs := make([]float64, badModel.NumGaussians())
		for _, datum := range data[low:high] {
			worst, worstLod := -1, math.Inf(1)
			for dim := range datum.Annotations {
				lod := goodModel.evaluateDatumMarginal(dim, datum.Annotations[dim], goodLogs) -
					badModel.evaluateDatumMarginal(dim, datum.Annotations[dim], badLogs)
				if lod < worstLod {
					worst, worstLod = dim, lod
				}
			}
			datum.WorstAnnotation = worst
			datum.WorstValue = datum.Annotations[worst]
		}
	})
}
