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

package internal

import "math"

// Rand produces random numbers with the same update rule as the Java
// standard library. Model training must be byte-for-byte reproducible
// for a fixed seed, so we cannot depend on math/rand, whose stream is
// not guaranteed to be stable across Go releases.
type Rand struct {
	seed      int64
	nextG     float64
	haveNextG bool
}

const (
	multiplier = 0x5DEECE66D
	addend     = 0xB
	mask       = (1 << 48) - 1
)

// NewRand returns a deterministic random number generator for the
// given seed.
func NewRand(seed int64) *Rand {
	return &Rand{seed: (seed ^ multiplier) & mask}
}

func (r *Rand) next(bits uint) int32 {
	r.seed = (r.seed*multiplier + addend) & mask
	return int32(r.seed >> (48 - bits))
}

// Int31 produces the next int32 in [0, 1<<31).
func (r *Rand) Int31() int32 {
	return r.next(31)
}

// Int31n produces the next int32 bounded by n.
func (r *Rand) Int31n(n int32) int32 {
	l := r.Int31()
	m := n - 1
	if (n & m) == 0 {
		l = int32((int(n) * int(l)) >> 31)
	} else {
		u := l
		for {
			l = u % n
			if u-l+m >= 0 {
				break
			}
			u = r.Int31()
		}
	}
	return l
}

// Float64 produces the next float64 in [0, 1).
func (r *Rand) Float64() float64 {
	return float64((int64(r.next(26))<<27)+int64(r.next(27))) / (1 << 53)
}

// NormFloat64 produces the next normally distributed float64 with
// mean 0 and standard deviation 1, using the Marsaglia polar method.
func (r *Rand) NormFloat64() float64 {
	if r.haveNextG {
		r.haveNextG = false
		return r.nextG
	}
	for {
		v1 := 2*r.Float64() - 1
		v2 := 2*r.Float64() - 1
		s := v1*v1 + v2*v2
		if s >= 1 || s == 0 {
			continue
		}
		m := math.Sqrt(-2 * math.Log(s) / s)
		r.nextG = v2 * m
		r.haveNextG = true
		return v1 * m
	}
}
