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

import "fmt"

// Mode is an enumeration type for the recalibration modes.
type Mode uint8

// The recalibration modes. SNPs and indels have annotation
// distributions that are different enough that they are usually
// recalibrated in two independent passes over the same call set.
const (
	ModeSNP Mode = iota
	ModeIndel
	ModeBoth
)

// ParseMode parses a recalibration mode name.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "SNP":
		return ModeSNP, nil
	case "INDEL":
		return ModeIndel, nil
	case "BOTH":
		return ModeBoth, nil
	default:
		return ModeBoth, fmt.Errorf("invalid recalibration mode %v, must be one of SNP, INDEL, or BOTH", s)
	}
}

func (mode Mode) String() string {
	switch mode {
	case ModeSNP:
		return "SNP"
	case ModeIndel:
		return "INDEL"
	default:
		return "BOTH"
	}
}

// Includes determines whether a variant class (SNP or not) belongs to
// this recalibration mode.
func (mode Mode) Includes(isSNP bool) bool {
	switch mode {
	case ModeSNP:
		return isSNP
	case ModeIndel:
		return !isSNP
	default:
		return true
	}
}

// spanningDeletion is the allele string that represents missing data
// due to an overlapping deletion. Such alleles are never recalibrated.
const spanningDeletion = "*"

// isSNPAllele determines the variant class of a single ref/alt allele
// pair.
func isSNPAllele(ref, alt string) bool {
	return len(ref) == 1 && len(alt) == 1 && alt != spanningDeletion
}
