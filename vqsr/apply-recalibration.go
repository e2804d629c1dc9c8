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
	"math"
	"regexp"
	"strings"

	"github.com/exascience/pargo/parallel"

	"github.com/seqlab/vqsr/utils"
)

// LowVQSLodFilterName is the filter applied below a flat lod cutoff,
// when filtering by lod instead of by truth sensitivity.
const LowVQSLodFilterName = "LOW_VQSLOD"

// DefaultVQSLodCutoff is the flat lod cutoff used when --lod-cutoff is
// given without a value.
const DefaultVQSLodCutoff = 0.0

// FilterApplierOptions configure an apply pass.
type FilterApplierOptions struct {
	Mode Mode
	// filter by truth sensitivity: keep tranches at or above this level
	TruthSensitivityLevel float64
	// or filter by a flat lod cutoff; mutually exclusive with the above
	UseLodCutoff bool
	LodCutoff    float64
	// input filters to disregard when deciding record eligibility
	IgnoreAllFilters bool
	IgnoreFilters    []string
}

// A FilterApplier converts lod scores into filter decisions for one
// apply pass, and merges them with the decisions persisted by an
// earlier pass over the other variant class.
type FilterApplier struct {
	mode Mode
	// ascending minVQSLod; the last tranche is the strictest
	tranches      []*Tranche
	lodCutoff     float64
	useLodCutoff  bool
	ignoreAll     bool
	ignoreFilters map[utils.Symbol]bool
	// whether an earlier pass already filtered the other variant class
	foundSNPTranches, foundINDELTranches bool
}

// NewFilterApplier validates the options against the tranche list and
// the filter declarations persisted by earlier passes. With a truth
// sensitivity level, the tranche list is restricted to the tranches at
// or above that level, so the strictest remaining tranche realizes the
// requested sensitivity.
func NewFilterApplier(options FilterApplierOptions, tranches []*Tranche, filterDeclarations []string) (*FilterApplier, error) {
	applier := &FilterApplier{
		mode:          options.Mode,
		lodCutoff:     options.LodCutoff,
		useLodCutoff:  options.UseLodCutoff,
		ignoreAll:     options.IgnoreAllFilters,
		ignoreFilters: make(map[utils.Symbol]bool),
	}
	for _, name := range options.IgnoreFilters {
		applier.ignoreFilters[utils.Intern(name)] = true
	}
	applier.foundSNPTranches, applier.foundINDELTranches = checkForPreviousPasses(filterDeclarations)
	if applier.useLodCutoff {
		return applier, nil
	}
	level := options.TruthSensitivityLevel
	if level <= 0 || level > 100 {
		return nil, fmt.Errorf("invalid truth sensitivity filter level %v, must be in (0, 100]", level)
	}
	for _, tranche := range tranches {
		if tranche.TargetTruthSensitivity >= level {
			applier.tranches = append(applier.tranches, tranche)
		}
	}
	if len(applier.tranches) == 0 {
		return nil, fmt.Errorf("no tranche at or above truth sensitivity level %v; rerun recalibrate with a matching --ts-tranche", level)
	}
	return applier, nil
}

var filterDeclarationRegexp = regexp.MustCompile(`##FILTER=<ID=([^,>]+)`)

// checkForPreviousPasses scans the persisted filter declarations for
// tranche filters written by an earlier apply pass. Only names with a
// parsable sensitivity interval count; other filters may come from
// arbitrary upstream tools.
func checkForPreviousPasses(filterDeclarations []string) (foundSNPTranches, foundINDELTranches bool) {
	for _, line := range filterDeclarations {
		match := filterDeclarationRegexp.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		if _, _, _, ok := parseTrancheName(match[1]); !ok {
			continue
		}
		if strings.HasPrefix(match[1], "VQSRTrancheSNP") {
			foundSNPTranches = true
		} else if strings.HasPrefix(match[1], "VQSRTrancheINDEL") {
			foundINDELTranches = true
		}
	}
	return foundSNPTranches, foundINDELTranches
}

// FilterDeclarations returns the ##FILTER declaration lines for the
// filters this pass can assign, so a later pass over the other variant
// class can recognize that this one already ran.
func (applier *FilterApplier) FilterDeclarations() []string {
	if applier.useLodCutoff {
		return []string{fmt.Sprintf("##FILTER=<ID=%s,Description=\"VQSLOD below %v\">", LowVQSLodFilterName, applier.lodCutoff)}
	}
	declarations := make([]string, 0, len(applier.tranches)+1)
	for i := len(applier.tranches) - 1; i >= 0; i-- {
		tranche := applier.tranches[i]
		name := tranche.Name
		if i == 0 {
			name += "+"
		}
		declarations = append(declarations,
			fmt.Sprintf("##FILTER=<ID=%s,Description=\"Truth sensitivity tranche level for %v model at VQSLOD %.4f\">",
				name, tranche.Mode, tranche.MinVQSLod))
	}
	return declarations
}

// GenerateFilter converts one lod score into a filter outcome. A score
// exactly at a boundary satisfies that boundary. On the tranche path,
// tranches are tried from strictest to most lenient; the strictest
// satisfied tranche passes, a more lenient one filters with that
// tranche's name, and a score below every tranche filters with the
// open-ended worst filter.
func (applier *FilterApplier) GenerateFilter(lod float64) FilterOutcome {
	if applier.useLodCutoff {
		if lod >= applier.lodCutoff {
			return passOutcome
		}
		return FilterOutcome{Status: Filtered, Name: LowVQSLodFilterName, LowerBound: -1, UpperBound: -1}
	}
	for i := len(applier.tranches) - 1; i >= 0; i-- {
		tranche := applier.tranches[i]
		if lod >= tranche.MinVQSLod {
			if i == len(applier.tranches)-1 {
				return passOutcome
			}
			return FilterOutcome{
				Status:     Filtered,
				Name:       tranche.Name,
				LowerBound: tranche.SensitivityLowerBound,
				UpperBound: tranche.SensitivityUpperBound,
			}
		}
	}
	worst := applier.tranches[0]
	return FilterOutcome{
		Status:     Filtered,
		Name:       worst.Name,
		LowerBound: worst.SensitivityLowerBound,
		UpperBound: worst.SensitivityUpperBound,
		OpenEnded:  true,
	}
}

// eligible determines whether a record's input filters permit
// recalibrating it in this pass.
func (applier *FilterApplier) eligible(record *SiteRecord) bool {
	if applier.ignoreAll {
		return true
	}
	for _, filter := range record.Filter {
		if *filter != PassString && !applier.ignoreFilters[filter] {
			return false
		}
	}
	return true
}

// includesRecord determines whether the record's variant class belongs
// to this pass. Mixed records belong to no single-class pass.
func (applier *FilterApplier) includesRecord(record *SiteRecord) bool {
	if record.IsMixed() {
		return applier.mode == ModeBoth
	}
	return applier.mode.Includes(record.IsSNP())
}

func setSiteFilter(record *SiteRecord, outcome FilterOutcome) {
	switch outcome.Status {
	case Pending:
		record.Filter = nil
	case Pass:
		record.Filter = []utils.Symbol{utils.Intern(PassString)}
	default:
		record.Filter = []utils.Symbol{utils.Intern(outcome.String())}
	}
}

// ApplySiteFiltering recalibrates one record at the site level:
// records of this pass's variant class get their filter replaced by
// the lod-derived decision; other records pass through untouched. An
// eligible in-mode record without a recal entry is a data-consistency
// error: the recal table was produced from different input.
func (applier *FilterApplier) ApplySiteFiltering(record *SiteRecord, recal *RecalTable) error {
	if !applier.eligible(record) || !applier.includesRecord(record) {
		return nil
	}
	entry, ok := recal.Lookup(record.Contig, record.Start, record.End, record.AltString())
	if !ok {
		return fmt.Errorf("no recal table entry for %v:%v %v>%v; the recal table does not match this input",
			record.Contig, record.Start, record.Ref, record.AltString())
	}
	record.Lod = entry.Lod
	record.Culprit = entry.Culprit
	setSiteFilter(record, applier.GenerateFilter(entry.Lod))
	return nil
}

// ApplyAlleleSpecificFiltering recalibrates one record at the allele
// level. Alleles of this pass's variant class are scored and filtered;
// alleles of the other class carry forward the state of an earlier
// pass, or the unprocessed sentinels when no pass has scored them yet;
// spanning deletion alleles always keep sentinels. The site-level
// filter is the merge across alleles: as long as an allele awaits the
// other pass the site stays pending, any passing allele passes the
// site, and otherwise the most lenient allele filter wins.
func (applier *FilterApplier) ApplyAlleleSpecificFiltering(record *SiteRecord, recal *RecalTable) error {
	if !applier.eligible(record) {
		return nil
	}
	newState := &FilterState{}
	bestLod := math.NaN()
	for i, alt := range record.Alts {
		if alt == spanningDeletion {
			newState.AddUnprocessed()
			continue
		}
		if !applier.mode.Includes(isSNPAllele(record.Ref, alt)) {
			if record.State != nil && i < record.State.Len() {
				newState.Add(record.State.Lods[i], record.State.Culprits[i], record.State.Filters[i])
			} else {
				newState.AddUnprocessed()
			}
			continue
		}
		entry, ok := recal.Lookup(record.Contig, record.Start, record.End, alt)
		if !ok {
			return fmt.Errorf("no recal table entry for allele %v:%v %v>%v; the recal table does not match this input",
				record.Contig, record.Start, record.Ref, alt)
		}
		newState.Add(entry.Lod, entry.Culprit, applier.GenerateFilter(entry.Lod))
		if math.IsNaN(bestLod) || entry.Lod > bestLod {
			bestLod = entry.Lod
			record.Culprit = entry.Culprit
		}
	}
	record.State = newState
	if !math.IsNaN(bestLod) {
		record.Lod = bestLod
	}
	setSiteFilter(record, applier.mergeAlleleFilters(record, newState))
	return nil
}

// ApplyFiltering applies the filter decisions of this pass to every
// record of the table, in parallel. Records are mutated independently;
// the first data-consistency error aborts the run.
func (applier *FilterApplier) ApplyFiltering(table *SitesTable, recal *RecalTable, alleleSpecific bool) error {
	result := parallel.RangeReduce(0, len(table.Records), 0, func(low, high int) interface{} {
		for _, record := range table.Records[low:high] {
			var err error
			if alleleSpecific {
				err = applier.ApplyAlleleSpecificFiltering(record, recal)
			} else {
				err = applier.ApplySiteFiltering(record, recal)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}, func(err1, err2 interface{}) interface{} {
		if err1 != nil {
			return err1
		}
		return err2
	})
	if result != nil {
		return result.(error)
	}
	return nil
}

// mergeAlleleFilters reduces the per-allele outcomes to the site-level
// decision.
func (applier *FilterApplier) mergeAlleleFilters(record *SiteRecord, state *FilterState) FilterOutcome {
	bothModesWereRun := applier.mode == ModeBoth ||
		(applier.mode == ModeSNP && applier.foundINDELTranches) ||
		(applier.mode == ModeIndel && applier.foundSNPTranches)
	onlyOneModeNeeded := !record.IsMixed() && applier.mode.Includes(record.IsSNP())
	if !bothModesWereRun && !onlyOneModeNeeded {
		return pendingOutcome
	}
	merged := pendingOutcome
	for _, outcome := range state.Filters {
		switch outcome.Status {
		case Pass:
			return passOutcome
		case Filtered:
			// the most lenient tranche has the lowest sensitivity bound;
			// filters without a parsable bound never win the merge
			if merged.Status == Pending ||
				(outcome.LowerBound >= 0 && (merged.LowerBound < 0 || outcome.LowerBound < merged.LowerBound)) {
				merged = outcome
			}
		}
	}
	return merged
}
