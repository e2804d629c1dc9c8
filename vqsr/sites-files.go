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
	"math"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/seqlab/vqsr/internal"
	"github.com/seqlab/vqsr/utils"
)

// missingValue marks an absent value in any column of a sites table.
const missingValue = "."

// filterSeparator joins multiple filter names in the FILTER column.
const filterSeparator = ";"

// A SiteRecord is one row of an annotated sites table: a variant call
// with its alleles, truth/training labels, annotation values, and the
// recalibration state attached by earlier passes.
type SiteRecord struct {
	Contig     string
	Start, End int32
	Ref        string
	Alts       []string
	// the current filter names; empty means unfiltered
	Filter                                          []utils.Symbol
	Known, Truth, Training, AntiTraining, Aggregate bool
	Annotations                                     []float64
	Missing                                         *bitset.BitSet
	// site-level recalibration state; Lod is NaN and Culprit nil until
	// an apply pass has scored this record
	Lod     float64
	Culprit utils.Symbol
	// allele-specific recalibration state, nil if no pass has run
	State *FilterState
}

// Filtered determines whether this record carries a filter other than
// PASS.
func (record *SiteRecord) Filtered() bool {
	for _, filter := range record.Filter {
		if *filter != PassString {
			return true
		}
	}
	return false
}

// IsMixed determines whether the record carries both SNP and non-SNP
// alternate alleles. Mixed records belong to no single recalibration
// mode.
func (record *SiteRecord) IsMixed() bool {
	var snp, nonSNP bool
	for _, alt := range record.Alts {
		if alt == spanningDeletion {
			continue
		}
		if isSNPAllele(record.Ref, alt) {
			snp = true
		} else {
			nonSNP = true
		}
	}
	return snp && nonSNP
}

// IsSNP determines whether every non-spanning-deletion alternate
// allele of the record is a SNP allele.
func (record *SiteRecord) IsSNP() bool {
	for _, alt := range record.Alts {
		if alt == spanningDeletion {
			continue
		}
		if !isSNPAllele(record.Ref, alt) {
			return false
		}
	}
	return true
}

// AltString returns the comma-joined alternate alleles, which also
// keys site-level recal table entries.
func (record *SiteRecord) AltString() string {
	return strings.Join(record.Alts, listSeparator)
}

func isTransition(ref, alt string) bool {
	switch ref {
	case "A":
		return alt == "G"
	case "G":
		return alt == "A"
	case "C":
		return alt == "T"
	case "T":
		return alt == "C"
	}
	return false
}

// A SitesTable is a parsed annotated sites table: the meta lines
// (among them the ##FILTER declarations of earlier recalibration
// passes), the ordered annotation names from the header, and the
// records in input order.
type SitesTable struct {
	AnnotationNames    []utils.Symbol
	FilterDeclarations []string
	Records            []*SiteRecord
}

const (
	sitesHeaderPrefix = "#CHROM\tSTART\tEND\tREF\tALT\tFILTER\tKNOWN\tTRUTH\tTRAINING\tANTITRAINING\tAGGREGATE"
	sitesHeaderSuffix = "VQSLOD\tCULPRIT\tAS_VQSLOD\tAS_CULPRIT\tAS_FILTER"
)

const (
	sitesLeadingColumns  = 11
	sitesTrailingColumns = 5
)

func parseBoolColumn(field, column, line string) (bool, error) {
	switch field {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("malformed %v flag %q in sites table row %q", column, field, line)
	}
}

// ReadSitesTable parses an annotated sites table from the reader.
// Lines starting with ## are collected verbatim as meta lines; the
// header line determines the annotation columns.
func ReadSitesTable(r io.Reader) (*SitesTable, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	table := &SitesTable{}
	sawHeader := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "##") {
			table.FilterDeclarations = append(table.FilterDeclarations, line)
			continue
		}
		if strings.HasPrefix(line, "#") {
			if sawHeader {
				return nil, fmt.Errorf("duplicate header line in sites table: %q", line)
			}
			if !strings.HasPrefix(line, sitesHeaderPrefix) || !strings.HasSuffix(line, sitesHeaderSuffix) {
				return nil, fmt.Errorf("unexpected sites table header %q", line)
			}
			columns := strings.Split(line, "\t")
			for _, name := range columns[sitesLeadingColumns : len(columns)-sitesTrailingColumns] {
				table.AnnotationNames = append(table.AnnotationNames, utils.Intern(name))
			}
			sawHeader = true
			continue
		}
		if !sawHeader {
			return nil, fmt.Errorf("sites table row before header: %q", line)
		}
		record, err := parseSiteRecord(line, len(table.AnnotationNames))
		if err != nil {
			return nil, err
		}
		table.Records = append(table.Records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !sawHeader {
		return nil, fmt.Errorf("sites table has no header line")
	}
	return table, nil
}

func parseSiteRecord(line string, numAnnotations int) (*SiteRecord, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != sitesLeadingColumns+numAnnotations+sitesTrailingColumns {
		return nil, fmt.Errorf("sites table row has %v columns, expected %v: %q",
			len(fields), sitesLeadingColumns+numAnnotations+sitesTrailingColumns, line)
	}
	record := &SiteRecord{Contig: fields[0], Ref: fields[3], Lod: math.NaN()}
	start, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("malformed start position in sites table row %q", line)
	}
	record.Start = int32(start)
	end, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("malformed end position in sites table row %q", line)
	}
	record.End = int32(end)
	record.Alts = strings.Split(fields[4], listSeparator)
	if fields[5] != missingValue {
		for _, name := range strings.Split(fields[5], filterSeparator) {
			record.Filter = append(record.Filter, utils.Intern(name))
		}
	}
	flags := []struct {
		target *bool
		column string
	}{
		{&record.Known, "KNOWN"},
		{&record.Truth, "TRUTH"},
		{&record.Training, "TRAINING"},
		{&record.AntiTraining, "ANTITRAINING"},
		{&record.Aggregate, "AGGREGATE"},
	}
	for i, flag := range flags {
		if *flag.target, err = parseBoolColumn(fields[6+i], flag.column, line); err != nil {
			return nil, err
		}
	}
	record.Annotations = make([]float64, numAnnotations)
	for i := 0; i < numAnnotations; i++ {
		field := fields[sitesLeadingColumns+i]
		if field == missingValue {
			if record.Missing == nil {
				record.Missing = bitset.New(uint(numAnnotations))
			}
			record.Missing.Set(uint(i))
			continue
		}
		if record.Annotations[i], err = strconv.ParseFloat(field, 64); err != nil {
			return nil, fmt.Errorf("malformed annotation value %q in sites table row %q", field, line)
		}
	}
	trailing := fields[len(fields)-sitesTrailingColumns:]
	if trailing[0] != missingValue {
		if record.Lod, err = strconv.ParseFloat(trailing[0], 64); err != nil {
			return nil, fmt.Errorf("malformed VQSLOD %q in sites table row %q", trailing[0], line)
		}
	}
	if trailing[1] != missingValue {
		record.Culprit = utils.Intern(trailing[1])
	}
	if trailing[2] != missingValue || trailing[3] != missingValue || trailing[4] != missingValue {
		if record.State, err = DecodeFilterState(trailing[2], trailing[3], trailing[4]); err != nil {
			return nil, fmt.Errorf("%v in sites table row %q", err, line)
		}
	}
	return record, nil
}

// WriteSitesTable writes the table back out, preserving meta lines and
// record order.
func WriteSitesTable(w io.Writer, table *SitesTable) {
	out := bufio.NewWriter(w)
	defer internal.Flush(out)
	for _, line := range table.FilterDeclarations {
		fmt.Fprintln(out, line)
	}
	out.WriteString(sitesHeaderPrefix)
	for _, name := range table.AnnotationNames {
		out.WriteByte('\t')
		out.WriteString(*name)
	}
	out.WriteByte('\t')
	out.WriteString(sitesHeaderSuffix)
	out.WriteByte('\n')
	for _, record := range table.Records {
		writeSiteRecord(out, record)
	}
}

func writeSiteRecord(out *bufio.Writer, record *SiteRecord) {
	fmt.Fprintf(out, "%s\t%d\t%d\t%s\t%s\t", record.Contig, record.Start, record.End, record.Ref, record.AltString())
	if len(record.Filter) == 0 {
		out.WriteString(missingValue)
	} else {
		for i, filter := range record.Filter {
			if i > 0 {
				out.WriteString(filterSeparator)
			}
			out.WriteString(*filter)
		}
	}
	for _, flag := range []bool{record.Known, record.Truth, record.Training, record.AntiTraining, record.Aggregate} {
		if flag {
			out.WriteString("\t1")
		} else {
			out.WriteString("\t0")
		}
	}
	for i, value := range record.Annotations {
		out.WriteByte('\t')
		if record.Missing != nil && record.Missing.Test(uint(i)) {
			out.WriteString(missingValue)
		} else {
			out.WriteString(strconv.FormatFloat(value, 'g', -1, 64))
		}
	}
	out.WriteByte('\t')
	if math.IsNaN(record.Lod) {
		out.WriteString(missingValue)
	} else {
		out.WriteString(strconv.FormatFloat(record.Lod, 'f', 4, 64))
	}
	out.WriteByte('\t')
	if record.Culprit == nil {
		out.WriteString(missingValue)
	} else {
		out.WriteString(*record.Culprit)
	}
	if record.State == nil {
		out.WriteString("\t.\t.\t.")
	} else {
		lods, culprits, filters := record.State.Encode()
		fmt.Fprintf(out, "\t%s\t%s\t%s", lods, culprits, filters)
	}
	out.WriteByte('\n')
}

// ProjectAnnotations restricts the table to the given annotation
// columns, in the given order. Recalibration runs can use a subset of
// the annotations present in the input.
func (table *SitesTable) ProjectAnnotations(names []utils.Symbol) error {
	indices := make([]int, len(names))
	for i, name := range names {
		index := -1
		for j, existing := range table.AnnotationNames {
			if existing == name {
				index = j
				break
			}
		}
		if index < 0 {
			return fmt.Errorf("annotation %v not present in the sites table", *name)
		}
		indices[i] = index
	}
	for _, record := range table.Records {
		annotations := make([]float64, len(indices))
		var missing *bitset.BitSet
		for i, index := range indices {
			annotations[i] = record.Annotations[index]
			if record.Missing != nil && record.Missing.Test(uint(index)) {
				if missing == nil {
					missing = bitset.New(uint(len(indices)))
				}
				missing.Set(uint(i))
			}
		}
		record.Annotations = annotations
		record.Missing = missing
	}
	table.AnnotationNames = names
	return nil
}

// BuildVariantData converts the table's records into the datums of one
// recalibration run. In site mode every record in the requested mode
// becomes one datum keyed by the joined alternate alleles; in
// allele-specific mode every non-spanning-deletion alternate allele in
// the requested mode becomes its own datum. Mixed records are only
// included by mode BOTH in site mode, but contribute their matching
// alleles in allele-specific mode.
func BuildVariantData(table *SitesTable, mode Mode, alleleSpecific bool) []*VariantDatum {
	var data []*VariantDatum
	for _, record := range table.Records {
		if alleleSpecific {
			for _, alt := range record.Alts {
				if alt == spanningDeletion {
					continue
				}
				isSNP := isSNPAllele(record.Ref, alt)
				if !mode.Includes(isSNP) {
					continue
				}
				data = append(data, newVariantDatum(record, alt, isSNP))
			}
			continue
		}
		if record.IsMixed() {
			if mode != ModeBoth {
				continue
			}
		} else if !mode.Includes(record.IsSNP()) {
			continue
		}
		data = append(data, newVariantDatum(record, record.AltString(), record.IsSNP()))
	}
	return data
}

func newVariantDatum(record *SiteRecord, alt string, isSNP bool) *VariantDatum {
	annotations := make([]float64, len(record.Annotations))
	copy(annotations, record.Annotations)
	var missing *bitset.BitSet
	if record.Missing != nil {
		missing = record.Missing.Clone()
	}
	transition := false
	if isSNP {
		transition = isTransition(record.Ref, strings.Split(alt, listSeparator)[0])
	}
	return &VariantDatum{
		Annotations:    annotations,
		Missing:        missing,
		Lod:            record.Lod,
		IsKnown:        record.Known,
		AtTruthSite:    record.Truth,
		AtTrainingSite: record.Training,
		// explicitly labeled bad sites seed the negative model
		AtAntiTrainingSite: record.AntiTraining,
		IsTransition:       transition,
		IsSNP:              isSNP,
		IsAggregate:        record.Aggregate,
		Contig:             record.Contig,
		Start:              record.Start,
		End:                record.End,
		Ref:                record.Ref,
		Alt:                alt,
	}
}
