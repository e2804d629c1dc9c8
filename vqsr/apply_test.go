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
	"math"
	"testing"

	"github.com/seqlab/vqsr/utils"
)

// snpTranches builds the tranche list of a finished SNP recalibrate
// run: targets 90/99/100 with cutoffs 8/3/-2.
func snpTranches() []*Tranche {
	return []*Tranche{
		{TargetTruthSensitivity: 100, MinVQSLod: -2, Name: "VQSRTrancheSNP99.00to100.00", Mode: ModeSNP, SensitivityLowerBound: 99, SensitivityUpperBound: 100},
		{TargetTruthSensitivity: 99, MinVQSLod: 3, Name: "VQSRTrancheSNP90.00to99.00", Mode: ModeSNP, SensitivityLowerBound: 90, SensitivityUpperBound: 99},
		{TargetTruthSensitivity: 90, MinVQSLod: 8, Name: "VQSRTrancheSNP0.00to90.00", Mode: ModeSNP, SensitivityLowerBound: 0, SensitivityUpperBound: 90},
	}
}

func snpApplier(t *testing.T, level float64) *FilterApplier {
	applier, err := NewFilterApplier(FilterApplierOptions{Mode: ModeSNP, TruthSensitivityLevel: level}, snpTranches(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return applier
}

func TestGenerateFilterTranchePath(t *testing.T) {
	applier := snpApplier(t, 90)
	if outcome := applier.GenerateFilter(9); outcome.Status != Pass {
		t.Error("lod above the strictest cutoff should pass: ", outcome)
	}
	// a score exactly at a boundary satisfies that boundary
	if outcome := applier.GenerateFilter(8); outcome.Status != Pass {
		t.Error("lod at the strictest cutoff should pass: ", outcome)
	}
	if outcome := applier.GenerateFilter(5); outcome.Status != Filtered || outcome.Name != "VQSRTrancheSNP90.00to99.00" {
		t.Error("lod 5 should filter with the middle tranche: ", outcome)
	}
	if outcome := applier.GenerateFilter(3); outcome.Status != Filtered || outcome.Name != "VQSRTrancheSNP90.00to99.00" {
		t.Error("lod at the middle cutoff should filter with the middle tranche: ", outcome)
	}
	if outcome := applier.GenerateFilter(0); outcome.Status != Filtered || outcome.Name != "VQSRTrancheSNP99.00to100.00" || outcome.OpenEnded {
		t.Error("lod 0 should filter with the most permissive tranche: ", outcome)
	}
	outcome := applier.GenerateFilter(-10)
	if outcome.Status != Filtered || !outcome.OpenEnded || outcome.String() != "VQSRTrancheSNP99.00to100.00+" {
		t.Error("lod below all tranches should filter open ended: ", outcome)
	}
}

func TestGenerateFilterLevelTrimsTranches(t *testing.T) {
	// at level 99 the 90 tranche is out of scope, so its cutoff no
	// longer filters
	applier := snpApplier(t, 99)
	if outcome := applier.GenerateFilter(5); outcome.Status != Pass {
		t.Error("lod 5 should pass at filter level 99: ", outcome)
	}
	if outcome := applier.GenerateFilter(2); outcome.Status != Filtered || outcome.Name != "VQSRTrancheSNP99.00to100.00" {
		t.Error("lod 2 should filter at filter level 99: ", outcome)
	}
}

func TestGenerateFilterLodCutoff(t *testing.T) {
	applier, err := NewFilterApplier(FilterApplierOptions{Mode: ModeSNP, UseLodCutoff: true, LodCutoff: 0}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome := applier.GenerateFilter(1); outcome.Status != Pass {
		t.Error("lod above the cutoff should pass: ", outcome)
	}
	// boundary convention also holds on the flat-cutoff path
	if outcome := applier.GenerateFilter(0); outcome.Status != Pass {
		t.Error("lod at the cutoff should pass: ", outcome)
	}
	if outcome := applier.GenerateFilter(-0.1); outcome.Status != Filtered || outcome.Name != LowVQSLodFilterName {
		t.Error("lod below the cutoff should filter: ", outcome)
	}
}

func TestNewFilterApplierValidation(t *testing.T) {
	if _, err := NewFilterApplier(FilterApplierOptions{Mode: ModeSNP, TruthSensitivityLevel: 0}, snpTranches(), nil); err == nil {
		t.Error("filter level 0 should fail")
	}
	if _, err := NewFilterApplier(FilterApplierOptions{Mode: ModeSNP, TruthSensitivityLevel: 50}, snpTranches(), nil); err == nil {
		t.Error("filter level below all tranche targets should fail")
	}
}

func TestCheckForPreviousPasses(t *testing.T) {
	foundSNP, foundINDEL := checkForPreviousPasses([]string{
		"##FILTER=<ID=VQSRTrancheSNP99.00to100.00,Description=\"...\">",
		"##FILTER=<ID=LowQual,Description=\"...\">",
	})
	if !foundSNP || foundINDEL {
		t.Error("wrong previous passes: ", foundSNP, ", ", foundINDEL)
	}
	foundSNP, foundINDEL = checkForPreviousPasses([]string{
		"##FILTER=<ID=VQSRTrancheINDEL99.90to100.00+,Description=\"...\">",
		// a tranche-like name without a sensitivity interval does not count
		"##FILTER=<ID=VQSRTrancheSNPCustom,Description=\"...\">",
	})
	if foundSNP || !foundINDEL {
		t.Error("wrong previous passes: ", foundSNP, ", ", foundINDEL)
	}
}

func recalTableFromDatums(t *testing.T, data []*VariantDatum, mode Mode) *RecalTable {
	var buffer bytes.Buffer
	WriteRecalTable(&buffer, data, []utils.Symbol{utils.Intern("QD")}, mode)
	table, err := ReadRecalTable(&buffer)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func TestApplySiteFiltering(t *testing.T) {
	applier := snpApplier(t, 90)
	recal := recalTableFromDatums(t, []*VariantDatum{
		{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alt: "G", Lod: 9},
		{Contig: "chr1", Start: 200, End: 200, Ref: "C", Alt: "T", Lod: 5},
	}, ModeSNP)
	pass := &SiteRecord{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alts: []string{"G"}, Lod: math.NaN()}
	if err := applier.ApplySiteFiltering(pass, recal); err != nil {
		t.Fatal(err)
	}
	if len(pass.Filter) != 1 || *pass.Filter[0] != PassString {
		t.Error("record with lod 9 should pass: ", pass.Filter)
	}
	if !almostEqual(pass.Lod, 9, 1e-4) || pass.Culprit == nil {
		t.Error("lod and culprit not attached: ", pass.Lod)
	}
	filtered := &SiteRecord{Contig: "chr1", Start: 200, End: 200, Ref: "C", Alts: []string{"T"}, Lod: math.NaN()}
	if err := applier.ApplySiteFiltering(filtered, recal); err != nil {
		t.Fatal(err)
	}
	if len(filtered.Filter) != 1 || *filtered.Filter[0] != "VQSRTrancheSNP90.00to99.00" {
		t.Error("record with lod 5 should filter with the middle tranche: ", filtered.Filter)
	}

	// reapplying the same pass reproduces the same decision
	if err := applier.ApplySiteFiltering(pass, recal); err != nil {
		t.Fatal(err)
	}
	if len(pass.Filter) != 1 || *pass.Filter[0] != PassString {
		t.Error("reapplying changed a passing record: ", pass.Filter)
	}
}

func TestApplySiteFilteringSkips(t *testing.T) {
	applier := snpApplier(t, 90)
	recal := recalTableFromDatums(t, []*VariantDatum{
		{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alt: "G", Lod: 9},
	}, ModeSNP)
	// an indel record does not belong to a SNP pass
	indel := &SiteRecord{Contig: "chr1", Start: 300, End: 301, Ref: "AT", Alts: []string{"A"}, Lod: math.NaN()}
	if err := applier.ApplySiteFiltering(indel, recal); err != nil {
		t.Fatal(err)
	}
	if indel.Filter != nil || !math.IsNaN(indel.Lod) {
		t.Error("indel record touched by a SNP pass: ", indel.Filter)
	}
	// a record filtered upstream is not eligible
	upstream := &SiteRecord{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alts: []string{"G"},
		Filter: []utils.Symbol{utils.Intern("LowQual")}, Lod: math.NaN()}
	if err := applier.ApplySiteFiltering(upstream, recal); err != nil {
		t.Fatal(err)
	}
	if len(upstream.Filter) != 1 || *upstream.Filter[0] != "LowQual" {
		t.Error("upstream-filtered record touched: ", upstream.Filter)
	}
}

func TestApplySiteFilteringIgnoreFilters(t *testing.T) {
	applier, err := NewFilterApplier(FilterApplierOptions{
		Mode: ModeSNP, TruthSensitivityLevel: 90, IgnoreFilters: []string{"LowQual"},
	}, snpTranches(), nil)
	if err != nil {
		t.Fatal(err)
	}
	recal := recalTableFromDatums(t, []*VariantDatum{
		{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alt: "G", Lod: 9},
	}, ModeSNP)
	record := &SiteRecord{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alts: []string{"G"},
		Filter: []utils.Symbol{utils.Intern("LowQual")}, Lod: math.NaN()}
	if err := applier.ApplySiteFiltering(record, recal); err != nil {
		t.Fatal(err)
	}
	if len(record.Filter) != 1 || *record.Filter[0] != PassString {
		t.Error("ignored filter should not block recalibration: ", record.Filter)
	}
}

func TestApplySiteFilteringMissingEntry(t *testing.T) {
	applier := snpApplier(t, 90)
	recal := recalTableFromDatums(t, []*VariantDatum{
		{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alt: "G", Lod: 9},
	}, ModeSNP)
	record := &SiteRecord{Contig: "chr2", Start: 100, End: 100, Ref: "A", Alts: []string{"G"}, Lod: math.NaN()}
	if err := applier.ApplySiteFiltering(record, recal); err == nil {
		t.Error("missing recal entry should be an error")
	}
}

func TestAlleleSpecificPendingMerge(t *testing.T) {
	// first pass: SNP mode over a mixed record, no previous INDEL pass
	applier := snpApplier(t, 90)
	recal := recalTableFromDatums(t, []*VariantDatum{
		{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alt: "G", Lod: 9},
	}, ModeSNP)
	record := &SiteRecord{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alts: []string{"G", "AT"}, Lod: math.NaN()}
	if err := applier.ApplyAlleleSpecificFiltering(record, recal); err != nil {
		t.Fatal(err)
	}
	// the site awaits the INDEL pass
	if record.Filter != nil {
		t.Error("mixed record should stay pending after one pass: ", record.Filter)
	}
	if record.State == nil || record.State.Len() != 2 {
		t.Fatal("wrong allele state: ", record.State)
	}
	if record.State.Filters[0].Status != Pass {
		t.Error("SNP allele should pass: ", record.State.Filters[0])
	}
	if record.State.Filters[1].Status != Pending || !math.IsNaN(record.State.Lods[1]) {
		t.Error("indel allele should keep the unprocessed sentinels: ", record.State.Filters[1])
	}
	lods, culprits, filters := record.State.Encode()
	if lods != "9.0000,NaN" || filters != "PASS,NA" {
		t.Error("wrong persisted allele state: ", lods, " ", culprits, " ", filters)
	}

	// second pass: INDEL mode, with the SNP pass declared
	indelTranches := []*Tranche{
		{TargetTruthSensitivity: 100, MinVQSLod: -1, Name: "VQSRTrancheINDEL90.00to100.00", Mode: ModeIndel, SensitivityLowerBound: 90, SensitivityUpperBound: 100},
		{TargetTruthSensitivity: 90, MinVQSLod: 4, Name: "VQSRTrancheINDEL0.00to90.00", Mode: ModeIndel, SensitivityLowerBound: 0, SensitivityUpperBound: 90},
	}
	indelApplier, err := NewFilterApplier(FilterApplierOptions{Mode: ModeIndel, TruthSensitivityLevel: 90}, indelTranches,
		[]string{"##FILTER=<ID=VQSRTrancheSNP90.00to99.00,Description=\"...\">"})
	if err != nil {
		t.Fatal(err)
	}
	indelRecal := recalTableFromDatums(t, []*VariantDatum{
		{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alt: "AT", Lod: 2},
	}, ModeIndel)
	if err := indelApplier.ApplyAlleleSpecificFiltering(record, indelRecal); err != nil {
		t.Fatal(err)
	}
	// the SNP allele's PASS carries forward and passes the site
	if len(record.Filter) != 1 || *record.Filter[0] != PassString {
		t.Error("site with a passing allele should pass after both passes: ", record.Filter)
	}
	if record.State.Filters[0].Status != Pass {
		t.Error("SNP allele state lost in the second pass: ", record.State.Filters[0])
	}
	if record.State.Filters[1].Status != Filtered || record.State.Filters[1].Name != "VQSRTrancheINDEL90.00to100.00" {
		t.Error("indel allele not filtered in the second pass: ", record.State.Filters[1])
	}
}

func TestAlleleSpecificMostLenientWins(t *testing.T) {
	applier := snpApplier(t, 90)
	recal := recalTableFromDatums(t, []*VariantDatum{
		{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alt: "G", Lod: 5},
		{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alt: "C", Lod: 0},
	}, ModeSNP)
	record := &SiteRecord{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alts: []string{"G", "C"}, Lod: math.NaN()}
	if err := applier.ApplyAlleleSpecificFiltering(record, recal); err != nil {
		t.Fatal(err)
	}
	// lod 5 filters at 90-99, lod 0 at 99-100; the more lenient 90-99
	// tranche has the lower sensitivity bound and wins the site filter
	if len(record.Filter) != 1 || *record.Filter[0] != "VQSRTrancheSNP90.00to99.00" {
		t.Error("most lenient allele filter should win the site: ", record.Filter)
	}
	// the site lod is the best allele lod
	if !almostEqual(record.Lod, 5, 1e-4) {
		t.Error("wrong site lod: ", record.Lod)
	}
}

func TestAlleleSpecificSpanningDeletion(t *testing.T) {
	applier := snpApplier(t, 90)
	recal := recalTableFromDatums(t, []*VariantDatum{
		{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alt: "G", Lod: 9},
	}, ModeSNP)
	record := &SiteRecord{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alts: []string{"G", "*"}, Lod: math.NaN()}
	if err := applier.ApplyAlleleSpecificFiltering(record, recal); err != nil {
		t.Fatal(err)
	}
	if record.State.Filters[1].Status != Pending || !math.IsNaN(record.State.Lods[1]) {
		t.Error("spanning deletion allele should keep sentinels: ", record.State.Filters[1])
	}
	// the record is all-SNP apart from the spanning deletion, so one
	// pass decides the site
	if len(record.Filter) != 1 || *record.Filter[0] != PassString {
		t.Error("site should pass on the SNP allele: ", record.Filter)
	}
}

func TestFilterStateRoundTrip(t *testing.T) {
	state := &FilterState{}
	state.Add(9.1234, utils.Intern("QD"), passOutcome)
	state.AddUnprocessed()
	state.Add(-3.5, utils.Intern("MQ"), FilterOutcome{
		Status: Filtered, Name: "VQSRTrancheSNP99.00to100.00",
		LowerBound: 99, UpperBound: 100, OpenEnded: true,
	})
	lods, culprits, filters := state.Encode()
	parsed, err := DecodeFilterState(lods, culprits, filters)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Len() != 3 {
		t.Fatal("wrong allele count after the round trip: ", parsed.Len())
	}
	if !almostEqual(parsed.Lods[0], 9.1234, 1e-9) || !math.IsNaN(parsed.Lods[1]) {
		t.Error("lods changed in the round trip: ", parsed.Lods)
	}
	if *parsed.Culprits[0] != "QD" || *parsed.Culprits[1] != UnprocessedString {
		t.Error("culprits changed in the round trip: ", parsed.Culprits)
	}
	if parsed.Filters[0].Status != Pass || parsed.Filters[1].Status != Pending {
		t.Error("filter statuses changed in the round trip")
	}
	third := parsed.Filters[2]
	if third.Status != Filtered || !third.OpenEnded ||
		third.LowerBound != 99 || third.UpperBound != 100 ||
		third.Name != "VQSRTrancheSNP99.00to100.00" {
		t.Error("filtered outcome changed in the round trip: ", third)
	}
}

func TestDecodeFilterStateErrors(t *testing.T) {
	if _, err := DecodeFilterState("1.0,2.0", "QD", "PASS"); err == nil {
		t.Error("inconsistent list lengths should fail")
	}
	if _, err := DecodeFilterState("oops", "QD", "PASS"); err == nil {
		t.Error("an unparsable lod should fail")
	}
}
