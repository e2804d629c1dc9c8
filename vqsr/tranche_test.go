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
	"bytes"
	"testing"
)

func truthData(lods ...float64) []*VariantDatum {
	data := make([]*VariantDatum, len(lods))
	for i, lod := range lods {
		data[i] = &VariantDatum{Lod: lod, AtTruthSite: true, IsSNP: true}
	}
	return data
}

func TestFindTranches(t *testing.T) {
	data := truthData(10, 9, 8, 7, 6, 5, 4, 3, 2, 1)
	tranches, err := FindTranches(data, []float64{50, 100}, ModeSNP)
	if err != nil {
		t.Fatal(err)
	}
	if len(tranches) != 2 {
		t.Fatal("expected 2 tranches, got ", len(tranches))
	}
	// increasing minVQSLod order, most permissive first
	if tranches[0].TargetTruthSensitivity != 100 || tranches[0].MinVQSLod != 1 {
		t.Error("wrong most permissive tranche: ", *tranches[0])
	}
	if tranches[1].TargetTruthSensitivity != 50 || tranches[1].MinVQSLod != 6 {
		t.Error("wrong strictest tranche: ", *tranches[1])
	}
	if tranches[1].Name != "VQSRTrancheSNP0.00to50.00" {
		t.Error("wrong strictest tranche name: ", tranches[1].Name)
	}
	if tranches[0].Name != "VQSRTrancheSNP50.00to100.00" {
		t.Error("wrong most permissive tranche name: ", tranches[0].Name)
	}
	if tranches[0].CallsAtTruthSites != 10 || tranches[1].CallsAtTruthSites != 5 {
		t.Error("wrong truth call counts: ", tranches[0].CallsAtTruthSites, ", ", tranches[1].CallsAtTruthSites)
	}
}

func TestTranchesMonotone(t *testing.T) {
	data := truthData(9, 7, 5, 3, 1, 8, 6, 4, 2, 0)
	tranches, err := FindTranches(data, []float64{30, 60, 90, 100}, ModeSNP)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(tranches); i++ {
		if tranches[i].MinVQSLod < tranches[i-1].MinVQSLod {
			t.Fatal("tranches not in increasing minVQSLod order")
		}
		// a stricter cutoff targets a lower sensitivity
		if tranches[i].TargetTruthSensitivity > tranches[i-1].TargetTruthSensitivity {
			t.Error("minVQSLod not monotone in target truth sensitivity")
		}
	}
}

func TestEqualLodBlock(t *testing.T) {
	// all four sites share one lod, so they are one atomic block
	data := truthData(5, 5, 5, 5)
	tranches, err := FindTranches(data, []float64{25}, ModeSNP)
	if err != nil {
		t.Fatal(err)
	}
	if len(tranches) != 1 {
		t.Fatal("expected 1 tranche, got ", len(tranches))
	}
	if tranches[0].MinVQSLod != 5 || tranches[0].CallsAtTruthSites != 4 {
		t.Error("equal-lod block split: ", *tranches[0])
	}
}

func TestTranchesWithoutTruthSites(t *testing.T) {
	data := []*VariantDatum{{Lod: 1, IsSNP: true}, {Lod: 2, IsSNP: true}}
	if _, err := FindTranches(data, []float64{99}, ModeSNP); err == nil {
		t.Error("tranches without truth sites should fail")
	}
}

func TestTranchesInvalidTargets(t *testing.T) {
	data := truthData(1, 2, 3)
	if _, err := FindTranches(data, []float64{0}, ModeSNP); err == nil {
		t.Error("target truth sensitivity 0 should fail")
	}
	if _, err := FindTranches(data, []float64{101}, ModeSNP); err == nil {
		t.Error("target truth sensitivity above 100 should fail")
	}
	if _, err := FindTranches(data, nil, ModeSNP); err == nil {
		t.Error("empty target list should fail")
	}
}

func TestTrancheCountsExcludeAggregates(t *testing.T) {
	data := truthData(10, 8, 6, 4)
	aggregate := &VariantDatum{Lod: 9, IsSNP: true, IsKnown: true, IsAggregate: true}
	data = append(data, aggregate)
	tranches, err := FindTranches(data, []float64{100}, ModeSNP)
	if err != nil {
		t.Fatal(err)
	}
	if tranches[0].NumKnown != 0 {
		t.Error("aggregate datum counted in the call set: ", tranches[0].NumKnown)
	}
}

func TestTrancheFileRoundTrip(t *testing.T) {
	data := truthData(10, 9, 8, 7, 6, 5, 4, 3, 2, 1)
	data[0].IsKnown = true
	data[0].IsTransition = true
	data[1].IsKnown = true
	tranches, err := FindTranches(data, []float64{50, 90, 100}, ModeSNP)
	if err != nil {
		t.Fatal(err)
	}
	var buffer bytes.Buffer
	WriteTranches(&buffer, tranches)
	parsed, err := ReadTranches(&buffer)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != len(tranches) {
		t.Fatal("tranche count changed in the round trip: ", len(parsed))
	}
	for i, tranche := range tranches {
		p := parsed[i]
		if p.Name != tranche.Name || p.Mode != tranche.Mode ||
			p.TargetTruthSensitivity != tranche.TargetTruthSensitivity ||
			p.NumKnown != tranche.NumKnown || p.NumNovel != tranche.NumNovel ||
			p.AccessibleTruthSites != tranche.AccessibleTruthSites ||
			p.CallsAtTruthSites != tranche.CallsAtTruthSites {
			t.Error("tranche changed in the round trip: ", *p, " vs ", *tranche)
		}
		if !almostEqual(p.MinVQSLod, tranche.MinVQSLod, 1e-4) ||
			!almostEqual(p.KnownTiTv, tranche.KnownTiTv, 1e-4) ||
			!almostEqual(p.NovelTiTv, tranche.NovelTiTv, 1e-4) {
			t.Error("tranche values changed in the round trip: ", *p, " vs ", *tranche)
		}
		// the sensitivity interval is recovered from the tranche name
		if p.SensitivityLowerBound != tranche.SensitivityLowerBound ||
			p.SensitivityUpperBound != tranche.SensitivityUpperBound {
			t.Error("sensitivity bounds not recovered from the name: ", *p)
		}
	}
}

func TestReadTranchesRejectsGarbage(t *testing.T) {
	if _, err := ReadTranches(bytes.NewBufferString("nonsense\n")); err == nil {
		t.Error("garbage tranches file should fail")
	}
	if _, err := ReadTranches(bytes.NewBufferString("# comment only\n")); err == nil {
		t.Error("empty tranches file should fail")
	}
}
