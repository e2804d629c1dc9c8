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
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/seqlab/vqsr/internal"
	"github.com/seqlab/vqsr/utils"
)

// A RecalEntry is one row of a recal table: the lod score and
// diagnostics that a recalibrate run computed for one site or allele.
type RecalEntry struct {
	Contig     string
	Start, End int32
	Alt        string
	Lod        float64
	Culprit    utils.Symbol
	// training labels of the datum behind this entry, for QC
	Positive, Negative bool
}

type recalKey struct {
	contig     string
	start, end int32
	alt        string
}

// A RecalTable is a parsed recal table with an index for the lookups
// that apply performs per record.
type RecalTable struct {
	Mode            Mode
	AnnotationNames []utils.Symbol
	Entries         []*RecalEntry
	index           map[recalKey]*RecalEntry
}

// Lookup finds the entry for a site or allele.
func (table *RecalTable) Lookup(contig string, start, end int32, alt string) (*RecalEntry, bool) {
	entry, ok := table.index[recalKey{contig, start, end, alt}]
	return entry, ok
}

const recalFileHeader = "#CHROM\tSTART\tEND\tALT\tVQSLOD\tCULPRIT\tPOSITIVE\tNEGATIVE"

// WriteRecalTable writes the scored datums as a recal table. The
// culprit column names the worst-performing annotation of each datum.
func WriteRecalTable(w io.Writer, data []*VariantDatum, annotationNames []utils.Symbol, mode Mode) {
	out := bufio.NewWriter(w)
	defer internal.Flush(out)
	names := make([]string, len(annotationNames))
	for i, name := range annotationNames {
		names[i] = *name
	}
	fmt.Fprintf(out, "##mode=%v\n", mode)
	fmt.Fprintf(out, "##annotations=%v\n", strings.Join(names, listSeparator))
	fmt.Fprintln(out, recalFileHeader)
	for _, datum := range data {
		culprit := missingValue
		if datum.WorstAnnotation >= 0 && datum.WorstAnnotation < len(annotationNames) {
			culprit = *annotationNames[datum.WorstAnnotation]
		}
		positive, negative := 0, 0
		if datum.AtTrainingSite {
			positive = 1
		}
		if datum.AtAntiTrainingSite {
			negative = 1
		}
		fmt.Fprintf(out, "%s\t%d\t%d\t%s\t%.4f\t%s\t%d\t%d\n",
			datum.Contig, datum.Start, datum.End, datum.Alt, datum.Lod, culprit, positive, negative)
	}
}

// ReadRecalTable parses a recal table and indexes its entries. A
// malformed lod is a data-integrity error that identifies the
// offending row.
func ReadRecalTable(r io.Reader) (*RecalTable, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	table := &RecalTable{Mode: ModeBoth, index: make(map[recalKey]*RecalEntry)}
	sawHeader := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "##") {
			switch {
			case strings.HasPrefix(line, "##mode="):
				mode, err := ParseMode(strings.TrimPrefix(line, "##mode="))
				if err != nil {
					return nil, err
				}
				table.Mode = mode
			case strings.HasPrefix(line, "##annotations="):
				for _, name := range strings.Split(strings.TrimPrefix(line, "##annotations="), listSeparator) {
					table.AnnotationNames = append(table.AnnotationNames, utils.Intern(name))
				}
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			if line != recalFileHeader {
				return nil, fmt.Errorf("unexpected recal table header %q", line)
			}
			sawHeader = true
			continue
		}
		if !sawHeader {
			return nil, fmt.Errorf("recal table row before header: %q", line)
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 8 {
			return nil, fmt.Errorf("malformed recal table row %q", line)
		}
		entry := &RecalEntry{Contig: fields[0], Alt: fields[3]}
		start, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed start position in recal table row %q", line)
		}
		entry.Start = int32(start)
		end, err := strconv.ParseInt(fields[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed end position in recal table row %q", line)
		}
		entry.End = int32(end)
		if entry.Lod, err = strconv.ParseFloat(fields[4], 64); err != nil {
			return nil, fmt.Errorf("malformed lod %q for %v:%v in recal table", fields[4], entry.Contig, entry.Start)
		}
		entry.Culprit = utils.Intern(fields[5])
		if entry.Positive, err = parseBoolColumn(fields[6], "POSITIVE", line); err != nil {
			return nil, err
		}
		if entry.Negative, err = parseBoolColumn(fields[7], "NEGATIVE", line); err != nil {
			return nil, err
		}
		table.Entries = append(table.Entries, entry)
		table.index[recalKey{entry.Contig, entry.Start, entry.End, entry.Alt}] = entry
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(table.Entries) == 0 {
		return nil, fmt.Errorf("no entries found in the recal table")
	}
	return table, nil
}

// WriteFileAtomic writes a file by way of a uniquely named temporary
// file in the target directory and an atomic rename, so a crashed run
// never leaves a truncated output behind.
func WriteFileAtomic(filename string, write func(w io.Writer)) {
	tmp := filepath.Join(filepath.Dir(filename), uuid.New().String()+".tmp")
	file := internal.FileCreate(tmp)
	write(file)
	internal.Close(file)
	if err := os.Rename(tmp, filename); err != nil {
		log.Panic(err)
	}
}
