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
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// A Tranche is a named lod cutoff calibrated to retain a target
// fraction of the truth sites in the call set. Adjacent tranches
// partition the score axis into half-open intervals.
type Tranche struct {
	TargetTruthSensitivity float64
	MinVQSLod              float64
	Name                   string
	Mode                   Mode
	// call counts at this cutoff, excluding aggregate modeling data
	NumKnown, NumNovel   int
	KnownTiTv, NovelTiTv float64
	// truth-site bookkeeping behind the sensitivity computation
	AccessibleTruthSites, CallsAtTruthSites int
	// the truth-sensitivity interval embedded in the tranche name
	SensitivityLowerBound, SensitivityUpperBound float64
}

// trancheCounts accumulates call-set counters during the tranche sweep.
type trancheCounts struct {
	numKnown, numNovel                     int
	knownTi, knownTv, novelTi, novelTv     int
	truthSitesSeen                         int
}

func (counts *trancheCounts) accumulate(datum *VariantDatum) {
	if datum.AtTruthSite {
		counts.truthSitesSeen++
	}
	if datum.IsAggregate {
		return
	}
	if datum.IsKnown {
		counts.numKnown++
		if datum.IsSNP {
			if datum.IsTransition {
				counts.knownTi++
			} else {
				counts.knownTv++
			}
		}
	} else {
		counts.numNovel++
		if datum.IsSNP {
			if datum.IsTransition {
				counts.novelTi++
			} else {
				counts.novelTv++
			}
		}
	}
}

func titvRatio(ti, tv int) float64 {
	if tv == 0 {
		return 0
	}
	return float64(ti) / float64(tv)
}

// FindTranches converts the full set of scored, truth-labeled datums
// and a list of target truth sensitivities into an ordered tranche
// list. The datums are walked in descending lod order; datums with
// equal lod form a single block that is included or excluded together,
// so the resulting sensitivities have no discontinuities. The returned
// tranches are sorted by increasing minVQSLod, most permissive first.
func FindTranches(data []*VariantDatum, targets []float64, mode Mode) ([]*Tranche, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no target truth sensitivities given; cannot construct tranches")
	}
	sortedTargets := make([]float64, len(targets))
	copy(sortedTargets, targets)
	sort.Float64s(sortedTargets)
	for _, target := range sortedTargets {
		if target <= 0 || target > 100 {
			return nil, fmt.Errorf("invalid target truth sensitivity %v, must be in (0, 100]", target)
		}
	}

	var totalTruthSites int
	for _, datum := range data {
		if datum.AtTruthSite {
			totalTruthSites++
		}
	}
	if totalTruthSites == 0 {
		return nil, fmt.Errorf("no truth sites in the input; tranches cannot be calibrated")
	}

	sorted := sortByDescendingLod(data)
	var counts trancheCounts
	tranches := make([]*Tranche, 0, len(sortedTargets))
	targetIndex := 0
	for i := 0; i < len(sorted) && targetIndex < len(sortedTargets); {
		// datums sharing a lod are one block: all in or all out
		blockLod := sorted[i].Lod
		for ; i < len(sorted) && sorted[i].Lod == blockLod; i++ {
			counts.accumulate(sorted[i])
		}
		sensitivity := 100 * float64(counts.truthSitesSeen) / float64(totalTruthSites)
		for targetIndex < len(sortedTargets) && sensitivity >= sortedTargets[targetIndex] {
			tranches = append(tranches, &Tranche{
				TargetTruthSensitivity: sortedTargets[targetIndex],
				MinVQSLod:              blockLod,
				Mode:                   mode,
				NumKnown:               counts.numKnown,
				NumNovel:               counts.numNovel,
				KnownTiTv:              titvRatio(counts.knownTi, counts.knownTv),
				NovelTiTv:              titvRatio(counts.novelTi, counts.novelTv),
				AccessibleTruthSites:   totalTruthSites,
				CallsAtTruthSites:      counts.truthSitesSeen,
			})
			targetIndex++
		}
	}
	// targets that rounding kept unreached are satisfied by the full set
	for ; targetIndex < len(sortedTargets); targetIndex++ {
		tranches = append(tranches, &Tranche{
			TargetTruthSensitivity: sortedTargets[targetIndex],
			MinVQSLod:              sorted[len(sorted)-1].Lod,
			Mode:                   mode,
			NumKnown:               counts.numKnown,
			NumNovel:               counts.numNovel,
			KnownTiTv:              titvRatio(counts.knownTi, counts.knownTv),
			NovelTiTv:              titvRatio(counts.novelTi, counts.novelTv),
			AccessibleTruthSites:   totalTruthSites,
			CallsAtTruthSites:      counts.truthSitesSeen,
		})
	}

	// tranche names pair consecutive targets into sensitivity intervals
	for i, tranche := range tranches {
		lower := 0.0
		if i > 0 {
			lower = tranches[i-1].TargetTruthSensitivity
		}
		tranche.SensitivityLowerBound = lower
		tranche.SensitivityUpperBound = tranche.TargetTruthSensitivity
		tranche.Name = fmt.Sprintf("VQSRTranche%v%.2fto%.2f", mode, lower, tranche.TargetTruthSensitivity)
	}

	// increasing minVQSLod order, most permissive first
	sort.SliceStable(tranches, func(i, j int) bool {
		return tranches[i].MinVQSLod < tranches[j].MinVQSLod
	})
	return tranches, nil
}

const trancheFileHeader = "targetTruthSensitivity,numKnown,numNovel,knownTiTv,novelTiTv,minVQSLod,filterName,model,accessibleTruthSites,callsAtTruthSites"

// WriteTranches writes the tranche report, rows ordered by ascending
// target truth sensitivity.
func WriteTranches(w io.Writer, tranches []*Tranche) {
	ordered := make([]*Tranche, len(tranches))
	copy(ordered, tranches)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TargetTruthSensitivity < ordered[j].TargetTruthSensitivity
	})
	fmt.Fprintln(w, "# Variant quality score tranches file")
	fmt.Fprintln(w, trancheFileHeader)
	for _, t := range ordered {
		fmt.Fprintf(w, "%.2f,%d,%d,%.4f,%.4f,%.4f,%s,%s,%d,%d\n",
			t.TargetTruthSensitivity, t.NumKnown, t.NumNovel, t.KnownTiTv, t.NovelTiTv,
			t.MinVQSLod, t.Name, t.Mode, t.AccessibleTruthSites, t.CallsAtTruthSites)
	}
}

// ReadTranches parses a tranche report. The returned tranches are
// sorted by increasing minVQSLod, as required by the filter sweep.
func ReadTranches(r io.Reader) ([]*Tranche, error) {
	scanner := bufio.NewScanner(r)
	var tranches []*Tranche
	sawHeader := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !sawHeader {
			if line != trancheFileHeader {
				return nil, fmt.Errorf("unexpected tranches file header %q", line)
			}
			sawHeader = true
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 10 {
			return nil, fmt.Errorf("malformed tranches file row %q", line)
		}
		mode, err := ParseMode(fields[7])
		if err != nil {
			return nil, err
		}
		tranche := &Tranche{Name: fields[6], Mode: mode}
		if tranche.TargetTruthSensitivity, err = strconv.ParseFloat(fields[0], 64); err != nil {
			return nil, fmt.Errorf("malformed targetTruthSensitivity in tranches file row %q", line)
		}
		if tranche.NumKnown, err = strconv.Atoi(fields[1]); err != nil {
			return nil, fmt.Errorf("malformed numKnown in tranches file row %q", line)
		}
		if tranche.NumNovel, err = strconv.Atoi(fields[2]); err != nil {
			return nil, fmt.Errorf("malformed numNovel in tranches file row %q", line)
		}
		if tranche.KnownTiTv, err = strconv.ParseFloat(fields[3], 64); err != nil {
			return nil, fmt.Errorf("malformed knownTiTv in tranches file row %q", line)
		}
		if tranche.NovelTiTv, err = strconv.ParseFloat(fields[4], 64); err != nil {
			return nil, fmt.Errorf("malformed novelTiTv in tranches file row %q", line)
		}
		if tranche.MinVQSLod, err = strconv.ParseFloat(fields[5], 64); err != nil {
			return nil, fmt.Errorf("malformed minVQSLod in tranches file row %q", line)
		}
		if tranche.AccessibleTruthSites, err = strconv.Atoi(fields[8]); err != nil {
			return nil, fmt.Errorf("malformed accessibleTruthSites in tranches file row %q", line)
		}
		if tranche.CallsAtTruthSites, err = strconv.Atoi(fields[9]); err != nil {
			return nil, fmt.Errorf("malformed callsAtTruthSites in tranches file row %q", line)
		}
		if lower, upper, _, ok := parseTrancheName(tranche.Name); ok {
			tranche.SensitivityLowerBound = lower
			tranche.SensitivityUpperBound = upper
		}
		tranches = append(tranches, tranche)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(tranches) == 0 {
		return nil, fmt.Errorf("no tranches found in the tranches file")
	}
	sort.SliceStable(tranches, func(i, j int) bool {
		return tranches[i].MinVQSLod < tranches[j].MinVQSLod
	})
	return tranches, nil
}
