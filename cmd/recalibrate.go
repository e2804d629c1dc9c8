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
	"math"
	"os"
	"runtime"

	"github.com/seqlab/vqsr/internal"
	"github.com/seqlab/vqsr/vqsr"
)

// contigOrder lists the table's contigs in input order, which fixes
// the output order of the recal table.
func contigOrder(table *vqsr.SitesTable) []string {
	seen := make(map[string]bool)
	var contigs []string
	for _, record := range table.Records {
		if !seen[record.Contig] {
			seen[record.Contig] = true
			contigs = append(contigs, record.Contig)
		}
	}
	return contigs
}

// RecalibrateHelp is the help string for the recalibrate command.
const RecalibrateHelp = "\nrecalibrate parameters:\n" +
	"vqsr recalibrate sites-file recal-file\n" +
	"--tranches-file file\n" +
	"[--annotations annotation-names]\n" +
	"[--mode SNP | INDEL | BOTH]\n" +
	"[--use-allele-specific-annotations]\n" +
	"[--max-gaussians number]\n" +
	"[--max-negative-gaussians number]\n" +
	"[--max-iterations number]\n" +
	"[--ts-tranche sensitivity-targets]\n" +
	"[--random-seed number]\n" +
	"[--params file]\n" +
	"[--nr-of-threads number]\n" +
	"[--timed]\n" +
	"[--profile file]\n" +
	"[--log-path path]\n" +
	HelpMessage

// defaultTranches are the target truth sensitivities used when
// --ts-tranche is not given.
const defaultTranches = "100.0,99.9,99.0,90.0"

// Recalibrate implements the vqsr recalibrate command: it trains the
// positive and negative mixture models on an annotated sites table,
// scores every variant, and writes the recal table and the tranches
// file for a subsequent apply run.
func Recalibrate() error {
	var (
		tranchesFile, annotations, modeString string
		alleleSpecific                        bool
		maxGaussians, maxNegativeGaussians    int
		maxIterations                         int
		tsTranches                            string
		randomSeed                            int64
		paramsFile                            string
		nrOfThreads                           int
		timed                                 bool
		profile, logPath                      string
	)
	flags := flag.NewFlagSet("recalibrate", flag.ContinueOnError)
	flags.StringVar(&tranchesFile, "tranches-file", "", "output file for the truth sensitivity tranches")
	flags.StringVar(&annotations, "annotations", "", "comma-separated annotation names to model (default: all annotations in the input)")
	flags.StringVar(&modeString, "mode", "SNP", "recalibration mode (SNP, INDEL, or BOTH)")
	flags.BoolVar(&alleleSpecific, "use-allele-specific-annotations", false, "model each alternate allele separately")
	flags.IntVar(&maxGaussians, "max-gaussians", 0, "maximum number of Gaussians in the positive model")
	flags.IntVar(&maxNegativeGaussians, "max-negative-gaussians", 0, "maximum number of Gaussians in the negative model")
	flags.IntVar(&maxIterations, "max-iterations", 0, "maximum number of EM iterations")
	flags.StringVar(&tsTranches, "ts-tranche", defaultTranches, "comma-separated target truth sensitivities")
	flags.Int64Var(&randomSeed, "random-seed", 47382911, "seed for the run's random number generator")
	flags.StringVar(&paramsFile, "params", "", "TOML file with hyperparameter overrides")
	flags.IntVar(&nrOfThreads, "nr-of-threads", 0, "number of worker threads")
	flags.BoolVar(&timed, "timed", false, "measure the runtime")
	flags.StringVar(&profile, "profile", "", "write a CPU profile per phase")
	flags.StringVar(&logPath, "log-path", "", "path for the log file")

	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, RecalibrateHelp)
		os.Exit(1)
	}
	sitesFile := getFilename(os.Args[2], RecalibrateHelp)
	recalFile := getFilename(os.Args[3], RecalibrateHelp)
	parseFlags(*flags, 4, RecalibrateHelp)

	setLogOutput(logPath)

	sanityChecksFailed := false
	if !checkExist("", sitesFile) {
		sanityChecksFailed = true
	}
	if !checkCreate("", recalFile) {
		sanityChecksFailed = true
	}
	if tranchesFile == "" {
		log.Println("Error: Missing --tranches-file parameter.")
		sanityChecksFailed = true
	} else if !checkCreate("--tranches-file", tranchesFile) {
		sanityChecksFailed = true
	}
	if paramsFile != "" && !checkExist("--params", paramsFile) {
		sanityChecksFailed = true
	}
	mode, err := vqsr.ParseMode(modeString)
	if err != nil {
		log.Printf("Error: %v.\n", err)
		sanityChecksFailed = true
	}
	targets, err := parseSensitivityTargets(tsTranches)
	if err != nil {
		log.Printf("Error: %v.\n", err)
		sanityChecksFailed = true
	}
	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, RecalibrateHelp)
		os.Exit(1)
	}

	if nrOfThreads > 0 {
		runtime.GOMAXPROCS(nrOfThreads)
	}

	params := vqsr.DefaultModelParams()
	if paramsFile != "" {
		if params, err = vqsr.LoadModelParams(paramsFile); err != nil {
			return err
		}
	}
	if maxGaussians > 0 {
		params.MaxGaussians = maxGaussians
	}
	if maxNegativeGaussians > 0 {
		params.MaxNegativeGaussians = maxNegativeGaussians
	}
	if maxIterations > 0 {
		params.MaxIterations = maxIterations
	}

	log.Println(ProgramMessage)
	log.Printf("Recalibrating %v variants in %v mode.", mode, sitesFile)

	var table *vqsr.SitesTable
	timedRun(timed, profile, "Reading the sites table.", 1, func() {
		file := internal.FileOpen(sitesFile)
		defer internal.Close(file)
		table, err = vqsr.ReadSitesTable(file)
	})
	if err != nil {
		return err
	}
	annotationKeys := table.AnnotationNames
	if annotations != "" {
		annotationKeys = parseAnnotations(annotations)
		if err = table.ProjectAnnotations(annotationKeys); err != nil {
			return err
		}
	}
	if len(annotationKeys) == 0 {
		return fmt.Errorf("the sites table has no annotation columns")
	}

	data := vqsr.BuildVariantData(table, mode, alleleSpecific)
	if len(data) == 0 {
		return fmt.Errorf("no %v variants in %v", mode, sitesFile)
	}
	random := internal.NewRand(randomSeed)
	manager := vqsr.NewDataManager(annotationKeys, random)
	for _, datum := range data {
		manager.AddData(datum)
	}
	if err = manager.NormalizeData(params.StdThreshold); err != nil {
		return err
	}

	engine := vqsr.NewRecalibratorEngine(params, random)
	var goodModel, badModel *vqsr.GaussianMixtureModel
	timedRun(timed, profile, "Training the positive model.", 2, func() {
		var training []*vqsr.VariantDatum
		if training, err = manager.TrainingData(); err != nil {
			return
		}
		if goodModel, err = engine.TrainModel(training, params.MaxGaussians); err != nil {
			return
		}
		engine.EvaluateData(manager.Data, goodModel, false)
	})
	if err != nil {
		return err
	}
	timedRun(timed, profile, "Training the negative model.", 3, func() {
		var worst []*vqsr.VariantDatum
		if worst, err = manager.SelectWorstVariants(params.BadLodCutoff); err != nil {
			return
		}
		if badModel, err = engine.TrainModel(worst, params.MaxNegativeGaussians); err != nil {
			return
		}
		engine.EvaluateData(manager.Data, badModel, true)
		engine.CalculateWorstPerformingAnnotation(manager.Data, goodModel, badModel)
	})
	if err != nil {
		return err
	}

	log.Printf("%v of %v truth sites retained at lod >= 0.",
		vqsr.CountCallsAtTruth(manager.Data, 0), vqsr.CountCallsAtTruth(manager.Data, math.Inf(-1)))

	var tranches []*vqsr.Tranche
	timedRun(timed, profile, "Finding tranches and writing output.", 4, func() {
		if tranches, err = vqsr.FindTranches(manager.Data, targets, mode); err != nil {
			return
		}
		evaluation := manager.EvaluationData()
		vqsr.SortByLocation(evaluation, contigOrder(table))
		vqsr.WriteFileAtomic(recalFile, func(w io.Writer) {
			vqsr.WriteRecalTable(w, evaluation, annotationKeys, mode)
		})
		vqsr.WriteFileAtomic(tranchesFile, func(w io.Writer) {
			vqsr.WriteTranches(w, tranches)
		})
	})
	return err
}
