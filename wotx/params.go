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

package wotx

import (
	"slices"
	"time"

	"github.com/bonlabs/circuit/eventlog"
)

const (
	DefaultOfficialThreshold  = 2
	DefaultCommunityThreshold = 1
	DefaultValidity           = 365 * 24 * time.Hour
)

// Params configures the credential scheme
type Params struct {
	// OfficialSkills lists the skill tags that need the official threshold
	OfficialSkills     []string      `yaml:"officialSkills"`
	OfficialThreshold  int           `yaml:"officialThreshold"`
	CommunityThreshold int           `yaml:"communityThreshold"`
	Validity           time.Duration `yaml:"validity"`
}

// DefaultParams returns the default thresholds and validity
func DefaultParams() Params {
	return Params{
		OfficialThreshold:  DefaultOfficialThreshold,
		CommunityThreshold: DefaultCommunityThreshold,
		Validity:           DefaultValidity,
	}
}

func (p Params) withDefaults() Params {
	if p.OfficialThreshold <= 0 {
		p.OfficialThreshold = DefaultOfficialThreshold
	}
	if p.CommunityThreshold <= 0 {
		p.CommunityThreshold = DefaultCommunityThreshold
	}
	if p.Validity <= 0 {
		p.Validity = DefaultValidity
	}
	return p
}

// IsOfficial reports whether a skill tag is official
func (p Params) IsOfficial(skill string) bool {
	skill = eventlog.NormalizeSkill(skill)
	return slices.ContainsFunc(p.OfficialSkills, func(s string) bool {
		return eventlog.NormalizeSkill(s) == skill
	})
}

// Threshold returns the number of distinct attesters a skill tag needs
func (p Params) Threshold(skill string) int {
	p = p.withDefaults()
	if p.IsOfficial(skill) {
		return p.OfficialThreshold
	}
	return p.CommunityThreshold
}
