// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dragon computes the dynamic monetary parameters of an identity in
// a market: the money creation rate C², the skill multiplier alpha and the
// periodic dividend DU.
//
// Compute is a pure function of its inputs. DU accrues once per period: the
// previous DU is taken from a snapshot of an earlier period only, so repeated
// computations within a period give the same result.
package dragon

import (
	"time"
)

// DuStatus tells whether DU was computed or withheld
type DuStatus string

const (
	DuStatusActive                   DuStatus = "active"
	DuStatusBelowActivationThreshold DuStatus = "BelowActivationThreshold"
)

// Params holds the thresholds and defaults of the computation. Zero fields
// take their default value.
type Params struct {
	C2Default      float64 `yaml:"c2Default"`
	C2Min          float64 `yaml:"c2Min"`
	C2Max          float64 `yaml:"c2Max"`
	AlphaDefault   float64 `yaml:"alphaDefault"`
	DuInitial      float64 `yaml:"duInitial"`
	MinAlphaSample int     `yaml:"minAlphaSample"`
	MinN1ForDu     int     `yaml:"minN1ForDu"`
	// SkillLevelCap is the level that scores a full skill point
	SkillLevelCap int `yaml:"skillLevelCap"`
	// PeriodDays is the length of a dividend period
	PeriodDays int `yaml:"periodDays"`
}

// DefaultParams returns the default parameters
func DefaultParams() Params {
	return Params{
		C2Default:      0.07,
		C2Min:          0.02,
		C2Max:          0.25,
		AlphaDefault:   0.3,
		DuInitial:      10,
		MinAlphaSample: 5,
		MinN1ForDu:     5,
		SkillLevelCap:  3,
		PeriodDays:     1,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.C2Default == 0 {
		p.C2Default = d.C2Default
	}
	if p.C2Min == 0 {
		p.C2Min = d.C2Min
	}
	if p.C2Max == 0 {
		p.C2Max = d.C2Max
	}
	if p.C2Max < p.C2Min {
		p.C2Min, p.C2Max = p.C2Max, p.C2Min
	}
	if p.AlphaDefault == 0 {
		p.AlphaDefault = d.AlphaDefault
	}
	if p.DuInitial == 0 {
		p.DuInitial = d.DuInitial
	}
	if p.MinAlphaSample <= 0 {
		p.MinAlphaSample = d.MinAlphaSample
	}
	if p.MinN1ForDu <= 0 {
		p.MinN1ForDu = d.MinN1ForDu
	}
	if p.SkillLevelCap <= 0 {
		p.SkillLevelCap = d.SkillLevelCap
	}
	if p.PeriodDays <= 0 {
		p.PeriodDays = d.PeriodDays
	}
	return p
}

// Network summarizes the trust graph sizes
type Network struct {
	N1 int `json:"n1"`
	N2 int `json:"n2"`
}

// Circulation summarizes closed circuits in the window
type Circulation struct {
	LoopsPerPeriod      float64 `json:"loopsPerPeriod"`
	MedianReturnAgeDays float64 `json:"medianReturnAgeDays"`
}

// Snapshot is the output of one parameter computation
type Snapshot struct {
	ComputedAt time.Time `json:"computedAt"`
	// PeriodStart is the start of the dividend period ComputedAt falls in
	PeriodStart time.Time   `json:"periodStart"`
	ID          string      `json:"id,omitempty"`
	IdentityID  string      `json:"identityId"`
	MarketID    string      `json:"marketId"`
	DuStatus    DuStatus    `json:"duStatus"`
	Degraded    []string    `json:"degraded,omitempty"`
	Network     Network     `json:"network"`
	Circulation Circulation `json:"circulation"`
	C2          float64     `json:"c2"`
	Alpha       float64     `json:"alpha"`
	DU          float64     `json:"du"`
	// Skipped counts records dropped as inconsistent while gathering inputs
	Skipped int `json:"skipped"`
}

// PeriodStart returns the start of the dividend period containing t. Periods
// are aligned on UTC midnight.
func PeriodStart(t time.Time, params Params) time.Time {
	p := params.withDefaults()
	return t.UTC().Truncate(time.Duration(p.PeriodDays) * 24 * time.Hour)
}
