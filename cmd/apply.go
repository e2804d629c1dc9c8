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

package cmd

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strconv"

	"github.com/seqlab/vqsr/internal"
	"github.com/seqlab/vqsr/vqsr"
)

// ApplyHelp is the help string for the apply command.
const ApplyHelp = "\napply parameters:\n" +
	"vqsr apply sites-file output-file\n" +
	"--recal-file file\n" +
	"--tranches-file file\n" +
	"[--ts-filter-level number]\n" +
	"[--lod-cutoff number]\n" +
	"[--mode SNP | INDEL | BOTH]\n" +
	"[--use-allele-specific-annotations]\n" +
	"[--ignore-filter filter-name]\n" +
	"[--ignore-all-filters]\n" +
	"[--exclude-filtered]\n" +
	"[--nr-of-threads number]\n" +
	"[--timed]\n" +
	"[--profile file]\n" +
	"[--log-path path]\n" +
	HelpMessage

// defaultTSFilterLevel is the truth sensitivity at which apply filters
// when neither --ts-filter-level nor --lod-cutoff is given.
const defaultTSFilterLevel = 99.9

// Apply implements the vqsr apply command: it converts the lod scores
// of a recal table into filter decisions on an annotated sites table,
// merging with the decisions of an earlier pass over the other variant
// class.
func Apply() error {
	var (
		recalFile, tranchesFile string
		tsFilterLevel           float64
		lodCutoffString         string
		modeString              string
		alleleSpecific          bool
		ignoreFilters           multiFlag
		ignoreAllFilters        bool
		excludeFiltered         bool
		nrOfThreads             int
		timed                   bool
		profile, logPath        string
	)
	flags := flag.NewFlagSet("apply", flag.ContinueOnError)
	flags.StringVar(&recalFile, "recal-file", "", "recal table written by vqsr recalibrate")
	flags.StringVar(&tranchesFile, "tranches-file", "", "tranches file written by vqsr recalibrate")
	flags.Float64Var(&tsFilterLevel, "ts-filter-level", defaultTSFilterLevel, "truth sensitivity level at which to start filtering")
	flags.StringVar(&lodCutoffString, "lod-cutoff", "", "filter by a flat lod cutoff instead of truth sensitivity")
	flags.StringVar(&modeString, "mode", "SNP", "recalibration mode (SNP, INDEL, or BOTH)")
	flags.BoolVar(&alleleSpecific, "use-allele-specific-annotations", false, "filter each alternate allele separately")
	flags.Var(&ignoreFilters, "ignore-filter", "input filter name to disregard; can be given multiple times")
	flags.BoolVar(&ignoreAllFilters, "ignore-all-filters", false, "disregard all input filters")
	flags.BoolVar(&excludeFiltered, "exclude-filtered", false, "omit filtered records from the output")
	flags.IntVar(&nrOfThreads, "nr-of-threads", 0, "number of worker threads")
	flags.BoolVar(&timed, "timed", false, "measure the runtime")
	flags.StringVar(&profile, "profile", "", "write a CPU profile per phase")
	flags.StringVar(&logPath, "log-path", "", "path for the log file")

	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, ApplyHelp)
		os.Exit(1)
	}
	sitesFile := getFilename(os.Args[2], ApplyHelp)
	outputFile := getFilename(os.Args[3], ApplyHelp)
	parseFlags(*flags, 4, ApplyHelp)

	setLogOutput(logPath)

	options := vqsr.FilterApplierOptions{
		TruthSensitivityLevel: tsFilterLevel,
		IgnoreAllFilters:      ignoreAllFilters,
		IgnoreFilters:         ignoreFilters,
	}
	tsFilterLevelSet := false
	flags.Visit(func(f *flag.Flag) {
		if f.Name == "ts-filter-level" {
			tsFilterLevelSet = true
		}
	})

	sanityChecksFailed := false
	if !checkExist("", sitesFile) {
		sanityChecksFailed = true
	}
	if !checkCreate("", outputFile) {
		sanityChecksFailed = true
	}
	if recalFile == "" {
		log.Println("Error: Missing --recal-file parameter.")
		sanityChecksFailed = true
	} else if !checkExist("--recal-file", recalFile) {
		sanityChecksFailed = true
	}
	if lodCutoffString != "" {
		if tsFilterLevelSet {
			log.Println("Error: --ts-filter-level and --lod-cutoff are mutually exclusive.")
			sanityChecksFailed = true
		}
		cutoff, err := strconv.ParseFloat(lodCutoffString, 64)
		if err != nil {
			log.Printf("Error: Invalid --lod-cutoff value %v.\n", lodCutoffString)
			sanityChecksFailed = true
		}
		options.UseLodCutoff = true
		options.LodCutoff = cutoff
	} else if tranchesFile == "" {
		log.Println("Error: Missing --tranches-file parameter.")
		sanityChecksFailed = true
	} else if !checkExist("--tranches-file", tranchesFile) {
		sanityChecksFailed = true
	}
	mode, err := vqsr.ParseMode(modeString)
	if err != nil {
		log.Printf("Error: %v.\n", err)
		sanityChecksFailed = true
	}
	options.Mode = mode
	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, ApplyHelp)
		os.Exit(1)
	}

	if nrOfThreads > 0 {
		runtime.GOMAXPROCS(nrOfThreads)
	}

	log.Println(ProgramMessage)
	log.Printf("Applying %v recalibration from %v to %v.", mode, recalFile, sitesFile)

	var tranches []*vqsr.Tranche
	var recal *vqsr.RecalTable
	var table *vqsr.SitesTable
	timedRun(timed, profile, "Reading recalibration input.", 1, func() {
		if !options.UseLodCutoff {
			file := internal.FileOpen(tranchesFile)
			if tranches, err = vqsr.ReadTranches(file); err != nil {
				internal.Close(file)
				return
			}
			internal.Close(file)
		}
		file := internal.FileOpen(recalFile)
		if recal, err = vqsr.ReadRecalTable(file); err != nil {
			internal.Close(file)
			return
		}
		internal.Close(file)
		file = internal.FileOpen(sitesFile)
		defer internal.Close(file)
		table, err = vqsr.ReadSitesTable(file)
	})
	if err != nil {
		return err
	}
	if recal.Mode != mode {
		return fmt.Errorf("the recal table was computed in %v mode, but this run filters in %v mode", recal.Mode, mode)
	}

	applier, err := vqsr.NewFilterApplier(options, tranches, table.FilterDeclarations)
	if err != nil {
		return err
	}

	timedRun(timed, profile, "Applying filters.", 2, func() {
		err = applier.ApplyFiltering(table, recal, alleleSpecific)
	})
	if err != nil {
		return err
	}

	if excludeFiltered {
		records := table.Records[:0]
		for _, record := range table.Records {
			if !record.Filtered() {
				records = append(records, record)
			}
		}
		log.Printf("Excluded %v filtered records from the output.", len(table.Records)-len(records))
		table.Records = records
	}

	// declare this pass's filters so a later pass over the other
	// variant class recognizes that this one ran
	existing := make(map[string]bool, len(table.FilterDeclarations))
	for _, line := range table.FilterDeclarations {
		existing[line] = true
	}
	for _, line := range applier.FilterDeclarations() {
		if !existing[line] {
			table.FilterDeclarations = append(table.FilterDeclarations, line)
		}
	}

	timedRun(timed, profile, "Writing the filtered sites table.", 3, func() {
		vqsr.WriteFileAtomic(outputFile, func(w io.Writer) {
			vqsr.WriteSitesTable(w, table)
		})
	})
	return nil
}
