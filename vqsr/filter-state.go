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
	"strconv"
	"strings"

	"github.com/seqlab/vqsr/utils"
)

// Sentinel strings for alleles that no recalibration pass has
// processed yet. They are persisted as-is, so a later pass over the
// other variant class can recognize and replace them.
const (
	UnprocessedString = "NA"
	UnprocessedLod    = "NaN"
)

// PassString is the filter value of a passing site or allele.
const PassString = "PASS"

// FilterStatus is an enumeration type for the per-record filter states.
type FilterStatus uint8

// The filter states. Pending marks a record or allele that is awaiting
// the other recalibration mode and must not be clobbered by this pass;
// it is distinct from "no filter requested".
const (
	Pending FilterStatus = iota
	Pass
	Filtered
)

// A FilterOutcome is the filter decision for one site or allele. For
// Filtered outcomes the truth-sensitivity interval of the tranche is
// carried as data; comparing leniency across passes is a numeric
// comparison of the lower bounds, and the display string is produced
// only at the serialization boundary.
type FilterOutcome struct {
	Status     FilterStatus
	Name       string
	LowerBound float64
	UpperBound float64
	// the most permissive tranche's filter is open ended ("...to100.00+")
	OpenEnded bool
}

var (
	passOutcome    = FilterOutcome{Status: Pass, LowerBound: -1, UpperBound: -1}
	pendingOutcome = FilterOutcome{Status: Pending, LowerBound: -1, UpperBound: -1}
)

// String renders the allele-level filter string: the sentinel for
// pending alleles, PASS, or the filter name.
func (outcome FilterOutcome) String() string {
	switch outcome.Status {
	case Pending:
		return UnprocessedString
	case Pass:
		return PassString
	default:
		if outcome.OpenEnded {
			return outcome.Name + "+"
		}
		return outcome.Name
	}
}

var trancheNameRegexp = regexp.MustCompile(`^VQSRTranche(?:SNP|INDEL|BOTH)(\d+(?:\.\d+)?)to(\d+(?:\.\d+)?)(\+?)$`)

// parseTrancheName extracts the sensitivity interval embedded in a
// tranche filter name.
func parseTrancheName(name string) (lower, upper float64, open, ok bool) {
	match := trancheNameRegexp.FindStringSubmatch(name)
	if match == nil {
		return 0, 0, false, false
	}
	lower, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, 0, false, false
	}
	upper, err = strconv.ParseFloat(match[2], 64)
	if err != nil {
		return 0, 0, false, false
	}
	return lower, upper, match[3] == "+", true
}

// parseFilterOutcome reconstructs a filter outcome from its persisted
// string form. Filter names without an embedded sensitivity interval
// keep a lower bound of -1, which excludes them from the leniency
// comparison.
func parseFilterOutcome(s string) FilterOutcome {
	switch s {
	case UnprocessedString, ".":
		return pendingOutcome
	case PassString:
		return passOutcome
	}
	if lower, upper, open, ok := parseTrancheName(s); ok {
		name := s
		if open {
			name = strings.TrimSuffix(s, "+")
		}
		return FilterOutcome{Status: Filtered, Name: name, LowerBound: lower, UpperBound: upper, OpenEnded: open}
	}
	return FilterOutcome{Status: Filtered, Name: s, LowerBound: -1, UpperBound: -1}
}

// A FilterState is the allele-specific recalibration state that is
// persisted with a site across independent recalibration passes: one
// lod, culprit, and filter outcome per alternate allele, in allele
// order. It is parsed once at read time with explicit validation.
type FilterState struct {
	Lods     []float64
	Culprits []utils.Symbol
	Filters  []FilterOutcome
}

// AddUnprocessed appends sentinel entries for an allele that this pass
// does not recalibrate and no earlier pass has scored.
func (state *FilterState) AddUnprocessed() {
	state.Add(math.NaN(), utils.Intern(UnprocessedString), pendingOutcome)
}

// Add appends one allele's entries.
func (state *FilterState) Add(lod float64, culprit utils.Symbol, outcome FilterOutcome) {
	state.Lods = append(state.Lods, lod)
	state.Culprits = append(state.Culprits, culprit)
	state.Filters = append(state.Filters, outcome)
}

// Len returns the number of alleles with entries.
func (state *FilterState) Len() int {
	return len(state.Filters)
}

const listSeparator = ","

// Encode renders the state as the three comma-joined strings that the
// caller persists with its record.
func (state *FilterState) Encode() (lods, culprits, filters string) {
	lodStrings := make([]string, len(state.Lods))
	for i, lod := range state.Lods {
		if math.IsNaN(lod) {
			lodStrings[i] = UnprocessedLod
		} else {
			lodStrings[i] = strconv.FormatFloat(lod, 'f', 4, 64)
		}
	}
	culpritStrings := make([]string, len(state.Culprits))
	for i, culprit := range state.Culprits {
		culpritStrings[i] = *culprit
	}
	filterStrings := make([]string, len(state.Filters))
	for i, outcome := range state.Filters {
		filterStrings[i] = outcome.String()
	}
	return strings.Join(lodStrings, listSeparator),
		strings.Join(culpritStrings, listSeparator),
		strings.Join(filterStrings, listSeparator)
}

// DecodeFilterState parses persisted allele-specific state. A
// malformed lod is a data-integrity error: it means the persisted
// record was corrupted or produced by an incompatible run, and is
// never silently defaulted.
func DecodeFilterState(lods, culprits, filters string) (*FilterState, error) {
	lodStrings := strings.Split(lods, listSeparator)
	culpritStrings := strings.Split(culprits, listSeparator)
	filterStrings := strings.Split(filters, listSeparator)
	if len(lodStrings) != len(culpritStrings) || len(lodStrings) != len(filterStrings) {
		return nil, fmt.Errorf("inconsistent persisted filter state: %v lods, %v culprits, %v filters",
			len(lodStrings), len(culpritStrings), len(filterStrings))
	}
	state := &FilterState{}
	for i := range lodStrings {
		lod, err := strconv.ParseFloat(strings.TrimSpace(lodStrings[i]), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed persisted lod %q", lodStrings[i])
		}
		state.Add(lod, utils.Intern(strings.TrimSpace(culpritStrings[i])),
			parseFilterOutcome(strings.TrimSpace(filterStrings[i])))
	}
	return state, nil
}
