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
	"sort"

	"github.com/bits-and-blooms/bitset"
)

// A VariantDatum is one variant call, or one alternate allele in
// allele-specific mode, as seen by the recalibration engine: the
// annotation vector over which the Gaussian mixture models are fit,
// the training labels, and the resulting lod score. All datums
// processed together have annotation vectors of the same length.
type VariantDatum struct {
	// the annotation values, normalized in place by the data manager
	Annotations []float64
	// the annotation dimensions for which no value was present in the
	// input; these are imputed before any density evaluation
	Missing *bitset.BitSet
	// the log-odds score; undefined until the engine has scored this datum
	Lod                 float64
	IsKnown             bool
	AtTruthSite         bool
	AtTrainingSite      bool
	AtAntiTrainingSite  bool
	IsTransition        bool
	IsSNP               bool
	FailingSTDThreshold bool
	// an aggregate datum was supplied to aid modeling but is not part
	// of the input call set, so it is excluded from tranche counts
	IsAggregate bool
	Contig      string
	Start, End  int32
	Ref, Alt    string
	// the annotation dimension whose marginal contribution most favors
	// the negative model, and its value; diagnostics only
	WorstAnnotation int
	WorstValue      float64
}

// AllAnnotationsMissing determines whether this datum carries no
// annotation values at all.
func (datum *VariantDatum) AllAnnotationsMissing() bool {
	return datum.Missing != nil && datum.Missing.Count() == uint(len(datum.Annotations))
}

func (datum *VariantDatum) isMissing(dim int) bool {
	return datum.Missing != nil && datum.Missing.Test(uint(dim))
}

// CountCallsAtTruth counts the datums at truth sites whose lod meets
// the given cutoff.
func CountCallsAtTruth(data []*VariantDatum, minLod float64) (count int) {
	for _, datum := range data {
		if datum.AtTruthSite && datum.Lod >= minLod {
			count++
		}
	}
	return count
}

// SortByLocation sorts datums by contig (in the order given by
// contigs), then start, then end. The deterministic order makes
// repeated runs on identical input byte-for-byte reproducible.
func SortByLocation(data []*VariantDatum, contigs []string) {
	contigIndex := make(map[string]int, len(contigs))
	for i, contig := range contigs {
		contigIndex[contig] = i
	}
	sort.SliceStable(data, func(i, j int) bool {
		d1, d2 := data[i], data[j]
		if c1, c2 := contigIndex[d1.Contig], contigIndex[d2.Contig]; c1 != c2 {
			return c1 < c2
		}
		if d1.Start != d2.Start {
			return d1.Start < d2.Start
		}
		return d1.End < d2.End
	})
}

func sortByDescendingLod(data []*VariantDatum) []*VariantDatum {
	sorted := make([]*VariantDatum, len(data))
	copy(sorted, data)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Lod > sorted[j].Lod
	})
	return sorted
}
