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

	"github.com/BurntSushi/toml"
)

// ModelParams bundles the numeric hyperparameters of the Gaussian
// mixture models. Individual values can be overridden from a TOML
// file via LoadModelParams.
type ModelParams struct {
	// maximum number of Gaussian components in the positive model
	MaxGaussians int `toml:"max_gaussians"`
	// maximum number of Gaussian components in the negative model
	MaxNegativeGaussians int `toml:"max_negative_gaussians"`
	// maximum number of EM iterations
	MaxIterations int `toml:"max_iterations"`
	// relative log-likelihood improvement below which EM is considered converged
	ConvergenceTolerance float64 `toml:"convergence_tolerance"`
	// pseudo-count shrinking component means toward the origin
	Shrinkage float64 `toml:"shrinkage"`
	// symmetric Dirichlet prior on the mixture weights
	DirichletParameter float64 `toml:"dirichlet"`
	// pseudo-count blending component covariances with the identity prior
	PriorCounts float64 `toml:"prior_counts"`
	// scale applied to the global sample covariance when seeding components
	InitialCovarianceScale float64 `toml:"initial_covariance_scale"`
	// number of standard deviations beyond which a normalized training
	// annotation disqualifies its datum from training
	StdThreshold float64 `toml:"std_threshold"`
	// lod below which scored training candidates seed the negative model
	BadLodCutoff float64 `toml:"bad_lod_cutoff"`
	// mixture weight below which a component is pruned after convergence
	MinGaussianWeight float64 `toml:"min_gaussian_weight"`
}

// DefaultModelParams returns the default hyperparameters.
func DefaultModelParams() ModelParams {
	return ModelParams{
		MaxGaussians:           8,
		MaxNegativeGaussians:   2,
		MaxIterations:          150,
		ConvergenceTolerance:   1e-5,
		Shrinkage:              1.0,
		DirichletParameter:     0.001,
		PriorCounts:            20.0,
		InitialCovarianceScale: 1.0,
		StdThreshold:           10.0,
		BadLodCutoff:           -5.0,
		MinGaussianWeight:      1e-4,
	}
}

// LoadModelParams reads hyperparameter overrides from a TOML file on
// top of the defaults.
func LoadModelParams(filename string) (ModelParams, error) {
	params := DefaultModelParams()
	if _, err := toml.DecodeFile(filename, &params); err != nil {
		return params, fmt.Errorf("cannot parse params file %v: %v", filename, err)
	}
	if err := params.validate(); err != nil {
		return params, fmt.Errorf("invalid params file %v: %v", filename, err)
	}
	return params, nil
}

func (params ModelParams) validate() error {
	if params.MaxGaussians < 1 || params.MaxNegativeGaussians < 1 {
		return fmt.Errorf("component counts must be positive")
	}
	if params.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be positive")
	}
	if params.ConvergenceTolerance <= 0 {
		return fmt.Errorf("convergence_tolerance must be positive")
	}
	if params.StdThreshold <= 0 {
		return fmt.Errorf("std_threshold must be positive")
	}
	return nil
}
