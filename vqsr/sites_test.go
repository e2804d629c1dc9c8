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
	"strings"
	"testing"

	"github.com/seqlab/vqsr/utils"
)

const testSitesTable = "##FILTER=<ID=LowQual,Description=\"low quality\">\n" +
	"#CHROM\tSTART\tEND\tREF\tALT\tFILTER\tKNOWN\tTRUTH\tTRAINING\tANTITRAINING\tAGGREGATE\tQD\tMQ\tVQSLOD\tCULPRIT\tAS_VQSLOD\tAS_CULPRIT\tAS_FILTER\n" +
	"chr1\t100\t100\tA\tG\t.\t1\t1\t1\t0\t0\t12.5\t60\t.\t.\t.\t.\t.\n" +
	"chr1\t200\t200\tC\tT,CA\tPASS\t0\t0\t0\t0\t0\t.\t55.1\t3.2000\tQD\t3.2000,NaN\tQD,NA\tPASS,NA\n"

func readTestSitesTable(t *testing.T) *SitesTable {
	table, err := ReadSitesTable(strings.NewReader(testSitesTable))
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func TestReadSitesTable(t *testing.T) {
	table := readTestSitesTable(t)
	if len(table.FilterDeclarations) != 1 {
		t.Error("wrong meta lines: ", table.FilterDeclarations)
	}
	if len(table.AnnotationNames) != 2 || *table.AnnotationNames[0] != "QD" || *table.AnnotationNames[1] != "MQ" {
		t.Fatal("wrong annotation names: ", table.AnnotationNames)
	}
	if len(table.Records) != 2 {
		t.Fatal("wrong record count: ", len(table.Records))
	}
	first := table.Records[0]
	if first.Contig != "chr1" || first.Start != 100 || first.Ref != "A" || first.Alts[0] != "G" {
		t.Error("wrong first record: ", *first)
	}
	if !first.Known || !first.Truth || !first.Training || first.AntiTraining || first.Aggregate {
		t.Error("wrong first record labels")
	}
	if first.Missing != nil || first.Annotations[0] != 12.5 || first.Annotations[1] != 60 {
		t.Error("wrong first record annotations: ", first.Annotations)
	}
	if !math.IsNaN(first.Lod) || first.Culprit != nil || first.State != nil {
		t.Error("first record should carry no recalibration state")
	}
	second := table.Records[1]
	if second.Missing == nil || !second.Missing.Test(0) || second.Missing.Test(1) {
		t.Error("wrong missing mask: ", second.Missing)
	}
	if !almostEqual(second.Lod, 3.2, 1e-9) || second.Culprit == nil || *second.Culprit != "QD" {
		t.Error("wrong second record recalibration state: ", second.Lod)
	}
	if second.State == nil || second.State.Len() != 2 ||
		second.State.Filters[0].Status != Pass || second.State.Filters[1].Status != Pending {
		t.Error("wrong second record allele state: ", second.State)
	}
	if !second.IsMixed() || first.IsMixed() {
		t.Error("wrong mixed classification")
	}
}

func TestSitesTableRoundTrip(t *testing.T) {
	table := readTestSitesTable(t)
	var buffer1 bytes.Buffer
	WriteSitesTable(&buffer1, table)
	reparsed, err := ReadSitesTable(bytes.NewReader(buffer1.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	var buffer2 bytes.Buffer
	WriteSitesTable(&buffer2, reparsed)
	if !bytes.Equal(buffer1.Bytes(), buffer2.Bytes()) {
		t.Error("sites table round trip not stable:\n", buffer1.String(), "\nvs\n", buffer2.String())
	}
}

func TestReadSitesTableErrors(t *testing.T) {
	if _, err := ReadSitesTable(strings.NewReader("chr1\t1\t1\tA\tG\n")); err == nil {
		t.Error("rows before the header should fail")
	}
	broken := strings.Replace(testSitesTable, "\t1\t1\t1\t", "\t2\t1\t1\t", 1)
	if _, err := ReadSitesTable(strings.NewReader(broken)); err == nil {
		t.Error("a malformed flag should fail")
	}
	broken = strings.Replace(testSitesTable, "12.5", "oops", 1)
	if _, err := ReadSitesTable(strings.NewReader(broken)); err == nil {
		t.Error("a malformed annotation value should fail")
	}
	broken = strings.Replace(testSitesTable, "3.2000,NaN", "oops,NaN", 1)
	if _, err := ReadSitesTable(strings.NewReader(broken)); err == nil {
		t.Error("a malformed persisted allele lod should fail")
	}
}

func TestBuildVariantData(t *testing.T) {
	table := readTestSitesTable(t)
	snps := BuildVariantData(table, ModeSNP, false)
	if len(snps) != 1 || snps[0].Alt != "G" {
		t.Fatal("wrong site-mode SNP datums: ", len(snps))
	}
	if !snps[0].IsSNP || !snps[0].IsTransition {
		t.Error("A>G should be a transition SNP")
	}
	if !snps[0].AtTrainingSite || !snps[0].AtTruthSite || !snps[0].IsKnown {
		t.Error("labels not carried to the datum")
	}
	// the mixed record belongs to no single-class site-mode pass
	if indels := BuildVariantData(table, ModeIndel, false); len(indels) != 0 {
		t.Error("mixed record included in a site-mode INDEL pass")
	}
	if both := BuildVariantData(table, ModeBoth, false); len(both) != 2 || both[1].Alt != "T,CA" {
		t.Error("wrong site-mode BOTH datums")
	}
	// allele-specific mode splits the mixed record by allele class
	asSNPs := BuildVariantData(table, ModeSNP, true)
	if len(asSNPs) != 2 || asSNPs[1].Alt != "T" {
		t.Error("wrong allele-specific SNP datums: ", len(asSNPs))
	}
	asIndels := BuildVariantData(table, ModeIndel, true)
	if len(asIndels) != 1 || asIndels[0].Alt != "CA" {
		t.Error("wrong allele-specific INDEL datums: ", len(asIndels))
	}
	// datums own their annotation vectors
	asSNPs[0].Annotations[0] = -1
	if table.Records[0].Annotations[0] == -1 {
		t.Error("datum aliases the record's annotations")
	}
}

func TestProjectAnnotations(t *testing.T) {
	table := readTestSitesTable(t)
	if err := table.ProjectAnnotations([]utils.Symbol{utils.Intern("MQ")}); err != nil {
		t.Fatal(err)
	}
	if len(table.AnnotationNames) != 1 || *table.AnnotationNames[0] != "MQ" {
		t.Error("wrong projected annotation names: ", table.AnnotationNames)
	}
	if table.Records[0].Annotations[0] != 60 || len(table.Records[0].Annotations) != 1 {
		t.Error("wrong projected annotations: ", table.Records[0].Annotations)
	}
	// MQ is present in both records, so no missing bits survive
	if table.Records[1].Missing != nil {
		t.Error("missing mask not projected: ", table.Records[1].Missing)
	}
	if err := table.ProjectAnnotations([]utils.Symbol{utils.Intern("DP")}); err == nil {
		t.Error("projecting to an unknown annotation should fail")
	}
}

func TestRecalTableRoundTrip(t *testing.T) {
	data := []*VariantDatum{
		{Contig: "chr1", Start: 100, End: 100, Ref: "A", Alt: "G", Lod: 9.5, AtTrainingSite: true},
		{Contig: "chr2", Start: 50, End: 52, Ref: "ATT", Alt: "A", Lod: -2.25, AtAntiTrainingSite: true, WorstAnnotation: 1},
	}
	names := []utils.Symbol{utils.Intern("QD"), utils.Intern("MQ")}
	var buffer bytes.Buffer
	WriteRecalTable(&buffer, data, names, ModeIndel)
	table, err := ReadRecalTable(&buffer)
	if err != nil {
		t.Fatal(err)
	}
	if table.Mode != ModeIndel {
		t.Error("mode changed in the round trip: ", table.Mode)
	}
	if len(table.AnnotationNames) != 2 || *table.AnnotationNames[1] != "MQ" {
		t.Error("annotation names changed in the round trip: ", table.AnnotationNames)
	}
	entry, ok := table.Lookup("chr2", 50, 52, "A")
	if !ok {
		t.Fatal("entry not found after the round trip")
	}
	if !almostEqual(entry.Lod, -2.25, 1e-9) || *entry.Culprit != "MQ" || !entry.Negative || entry.Positive {
		t.Error("entry changed in the round trip: ", *entry)
	}
	if _, ok := table.Lookup("chr3", 1, 1, "A"); ok {
		t.Error("lookup of an absent entry should fail")
	}
}

func TestReadRecalTableErrors(t *testing.T) {
	malformed := "##mode=SNP\n" + recalFileHeader + "\nchr1\t100\t100\tG\toops\tQD\t0\t0\n"
	if _, err := ReadRecalTable(strings.NewReader(malformed)); err == nil {
		t.Error("a malformed lod should fail")
	}
	empty := "##mode=SNP\n" + recalFileHeader + "\n"
	if _, err := ReadRecalTable(strings.NewReader(empty)); err == nil {
		t.Error("an empty recal table should fail")
	}
}
