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

	"gonum.org/v1/gonum/stat"

	"github.com/seqlab/vqsr/internal"
	"github.com/seqlab/vqsr/utils"
)

// A DataManager materializes the full set of variant datums for one
// recalibration run, normalizes their annotations to zero mean and
// unit variance, imputes missing values, and selects the training
// subsets for the positive and negative models.
type DataManager struct {
	AnnotationKeys []utils.Symbol
	Data           []*VariantDatum
	means, stdDevs []float64
	random         *internal.Rand
	allMissing     int
}

// NewDataManager creates a data manager for the given ordered
// annotation keys. The random number generator drives missing-value
// imputation and must be the same fixed-seed generator used for model
// training, so that a run is reproducible end to end.
func NewDataManager(annotationKeys []utils.Symbol, random *internal.Rand) *DataManager {
	return &DataManager{
		AnnotationKeys: annotationKeys,
		random:         random,
	}
}

// AddData adds a datum to the run. Datums with no annotation values at
// all stay in the set so they receive a (low-confidence) score, but
// they never contribute to training.
func (dm *DataManager) AddData(datum *VariantDatum) {
	if len(datum.Annotations) != len(dm.AnnotationKeys) {
		log.Panicf("datum at %v:%v has %v annotations, expected %v",
			datum.Contig, datum.Start, len(datum.Annotations), len(dm.AnnotationKeys))
	}
	if datum.AllAnnotationsMissing() {
		dm.allMissing++
	}
	dm.Data = append(dm.Data, datum)
}

// NormalizeData transforms every annotation dimension to zero mean and
// unit variance over the non-missing values, imputes missing values as
// draws from the standard normal prior, and marks datums whose
// normalized annotations exceed the std threshold as unusable for
// training. An annotation with zero variance is a configuration error:
// it cannot inform the models.
func (dm *DataManager) NormalizeData(stdThreshold float64) error {
	if len(dm.Data) == 0 {
		return fmt.Errorf("no variant data to normalize")
	}
	if dm.allMissing > 0 {
		log.Printf("Warning: %v variants have no annotation values at all; they are scored against the imputation prior and excluded from training.", dm.allMissing)
	}
	dims := len(dm.AnnotationKeys)
	dm.means = make([]float64, dims)
	dm.stdDevs = make([]float64, dims)
	values := make([]float64, 0, len(dm.Data))
	for dim := 0; dim < dims; dim++ {
		values = values[:0]
		for _, datum := range dm.Data {
			if !datum.isMissing(dim) {
				values = append(values, datum.Annotations[dim])
			}
		}
		if len(values) == 0 {
			return fmt.Errorf("annotation %v has no values in the input", *dm.AnnotationKeys[dim])
		}
		mean := stat.Mean(values, nil)
		stdDev := stat.StdDev(values, nil)
		if stdDev < 1e-10 || math.IsNaN(stdDev) {
			return fmt.Errorf("annotation %v has zero variance and cannot be used for recalibration", *dm.AnnotationKeys[dim])
		}
		dm.means[dim] = mean
		dm.stdDevs[dim] = stdDev
	}
	for _, datum := range dm.Data {
		for dim := 0; dim < dims; dim++ {
			if datum.isMissing(dim) {
				datum.Annotations[dim] = dm.random.NormFloat64()
			} else {
				datum.Annotations[dim] = (datum.Annotations[dim] - dm.means[dim]) / dm.stdDevs[dim]
				if math.Abs(datum.Annotations[dim]) > stdThreshold {
					datum.FailingSTDThreshold = true
				}
			}
		}
	}
	return nil
}

// TrainingData returns the datums that seed the positive model.
func (dm *DataManager) TrainingData() ([]*VariantDatum, error) {
	var training []*VariantDatum
	var failing int
	for _, datum := range dm.Data {
		if !datum.AtTrainingSite || datum.AllAnnotationsMissing() {
			continue
		}
		if datum.FailingSTDThreshold {
			failing++
			continue
		}
		training = append(training, datum)
	}
	if failing > 0 {
		log.Printf("Training with %v variants after the standard deviation threshold removed %v outliers.", len(training), failing)
	}
	if len(training) == 0 {
		return nil, fmt.Errorf("no training sites found in the input; recalibration requires training data")
	}
	return training, nil
}

// SelectWorstVariants returns the datums that seed the negative model:
// every datum whose lod under the positive model fell below the bad
// lod cutoff, plus the explicitly labeled anti-training sites. The
// selected datums are marked as anti-training sites.
func (dm *DataManager) SelectWorstVariants(badLodCutoff float64) ([]*VariantDatum, error) {
	var worst []*VariantDatum
	for _, datum := range dm.Data {
		if datum.FailingSTDThreshold || datum.AllAnnotationsMissing() {
			continue
		}
		if datum.AtAntiTrainingSite || datum.Lod < badLodCutoff {
			datum.AtAntiTrainingSite = true
			worst = append(worst, datum)
		}
	}
	if len(worst) == 0 {
		return nil, fmt.Errorf("no low-scoring variants below lod %v to train the negative model; consider raising the bad lod cutoff", badLodCutoff)
	}
	log.Printf("Training the negative model with %v variants below lod %v.", len(worst), badLodCutoff)
	return worst, nil
}

// EvaluationData returns the datums that belong to the input call set,
// excluding aggregate datums that were only supplied for modeling.
func (dm *DataManager) EvaluationData() []*VariantDatum {
	evaluation := make([]*VariantDatum, 0, len(dm.Data))
	for _, datum := range dm.Data {
		if !datum.IsAggregate {
			evaluation = append(evaluation, datum)
		}
	}
	return evaluation
}
