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

package dragon

import (
	"math"
	"time"

	"github.com/bonlabs/circuit/flow"
	"github.com/bonlabs/circuit/internal/stats"
	"github.com/bonlabs/circuit/voucher"
)

// Contact is one member of N1 or N2 with its skill level and the return
// velocities of the circuits it closed
type Contact struct {
	ID         string
	Velocities []float64
	SkillLevel int
}

// Inputs gathers everything one computation depends on
type Inputs struct {
	Now        time.Time
	IdentityID string
	MarketID   string
	// Previous is the latest stored snapshot of an earlier period for the same
	// identity and market. A snapshot of the current period is ignored.
	Previous    *Snapshot
	Circulation *flow.Circulation
	N1          []string
	N2          []string
	Contacts    []Contact
	Degraded    []string
	MoneyMassN1 float64
	MoneyMassN2 float64
	Skipped     int
}

// Compute derives a snapshot from its inputs. It never fails: missing data
// falls back to the configured defaults.
func Compute(in Inputs, params Params) *Snapshot {
	p := params.withDefaults()
	circ := in.Circulation
	if circ == nil {
		circ = &flow.Circulation{}
	}
	s := &Snapshot{
		ComputedAt: in.Now.UTC(),
		IdentityID: in.IdentityID,
		MarketID:   in.MarketID,
		Network:    Network{N1: len(in.N1), N2: len(in.N2)},
		Circulation: Circulation{
			LoopsPerPeriod:      circ.LoopsPerPeriod,
			MedianReturnAgeDays: circ.MedianReturnAgeDays,
		},
		Skipped:  in.Skipped + circ.Skipped,
		Degraded: in.Degraded,
	}
	s.PeriodStart = PeriodStart(s.ComputedAt, p)
	if in.Previous != nil && !in.Previous.PeriodStart.Before(s.PeriodStart) {
		in.Previous = nil
	}
	n1Prev := -1
	if in.Previous != nil {
		n1Prev = in.Previous.Network.N1
	}
	s.C2 = C2(circ.Proofs, circ.ClosureRate, len(in.N1), n1Prev, p)
	s.Alpha = Alpha(in.Contacts, p)
	s.DU, s.DuStatus = DU(in, s.C2, s.Alpha, p)
	return s
}

// C2 computes the money creation rate from the closed circuits of the
// window. n1Prev is negative when there is no previous snapshot.
func C2(proofs []flow.Proof, closureRate float64, n1, n1Prev int, params Params) float64 {
	p := params.withDefaults()
	if len(proofs) == 0 {
		return stats.Clamp(p.C2Default, p.C2Min, p.C2Max)
	}
	velocities := make([]float64, 0, len(proofs))
	ttls := make([]float64, 0, len(proofs))
	for _, proof := range proofs {
		velocities = append(velocities, proof.ReturnVelocity())
		ttls = append(ttls, proof.TTL())
	}
	health := 0.5 + stats.Clamp(closureRate, 0, 1)
	growth := 0.0
	if n1Prev >= 0 {
		growth = stats.Clamp(
			float64(n1-n1Prev)/math.Max(float64(n1Prev), 1),
			-0.5,
			1,
		)
	}
	raw := stats.Median(velocities) / stats.Median(ttls) * health * (1 + growth)
	return stats.Clamp(raw, p.C2Min, p.C2Max)
}

// Alpha correlates the skill level of contacts with the median return
// velocity of their circuits. Contacts without closed circuits are left out.
func Alpha(contacts []Contact, params Params) float64 {
	p := params.withDefaults()
	var levels, velocities []float64
	for _, c := range contacts {
		if len(c.Velocities) == 0 {
			continue
		}
		levels = append(levels, float64(c.SkillLevel))
		velocities = append(velocities, stats.Median(c.Velocities))
	}
	if len(levels) < p.MinAlphaSample {
		return stats.Clamp(p.AlphaDefault, -1, 1)
	}
	return stats.Pearson(levels, velocities)
}

// DU computes the dividend. Below MinN1ForDu direct contacts the dividend is
// withheld and reported as zero.
func DU(in Inputs, c2, alpha float64, params Params) (float64, DuStatus) {
	p := params.withDefaults()
	n1 := len(in.N1)
	if n1 < p.MinN1ForDu {
		return 0, DuStatusBelowActivationThreshold
	}
	duPrev := p.DuInitial
	if in.Previous != nil && in.Previous.DuStatus == DuStatusActive {
		duPrev = in.Previous.DU
	}
	sqrtN2 := math.Sqrt(float64(len(in.N2)))
	massN2 := 0.0
	if sqrtN2 > 0 {
		massN2 = in.MoneyMassN2 / sqrtN2
	}
	duBase := duPrev + c2*(in.MoneyMassN1+massN2)/(float64(n1)+sqrtN2)
	return duBase * (1 + alpha*averageSkillScore(in.Contacts, p)), DuStatusActive
}

func averageSkillScore(contacts []Contact, p Params) float64 {
	if len(contacts) == 0 {
		return 0
	}
	scores := make([]float64, 0, len(contacts))
	for _, c := range contacts {
		scores = append(scores, math.Min(float64(c.SkillLevel)/float64(p.SkillLevelCap), 1))
	}
	return stats.Mean(scores)
}

// MoneyMass sums the value of vouchers in force whose bearer is one of members
func MoneyMass(vouchers []*voucher.Voucher, members []string, now time.Time) float64 {
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	mass := 0.0
	for _, v := range vouchers {
		if !v.Status.Transferable() || now.After(v.ExpiresAt) {
			continue
		}
		if _, ok := set[v.Bearer()]; ok {
			mass += v.Value
		}
	}
	return mass
}
