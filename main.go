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

// vqsr recalibrates the quality scores of genomic variant call sets.
// It fits two competing Gaussian mixture models over a vector of
// per-variant annotations, scores every call against both models, and
// filters the call set at truth-sensitivity tranches derived from the
// scores.
//
// Please see https://github.com/seqlab/vqsr for a documentation of the
// tool, and below for the API documentation.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/seqlab/vqsr/cmd"
)

func printHelp() {
	fmt.Fprintln(os.Stderr, "Available commands: recalibrate, apply")
	fmt.Fprint(os.Stderr, "\n", cmd.RecalibrateHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.ApplyHelp)
}

func main() {
	fmt.Fprintln(os.Stderr, cmd.ProgramMessage)
	if len(os.Args) < 2 {
		log.Println("Incorrect number of parameters.")
		fmt.Fprintln(os.Stderr, cmd.HelpMessage)
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "recalibrate":
		err = cmd.Recalibrate()
	case "apply":
		err = cmd.Apply()
	case "help", "-help", "--help", "-h", "--h":
		printHelp()
	default:
		log.Printf("Unknown command %v.\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}
