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

package dragon_test

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonlabs/circuit/dragon"
	"github.com/bonlabs/circuit/flow"
	"github.com/bonlabs/circuit/internal/test/testutil"
	"github.com/bonlabs/circuit/voucher"
)

func ids(prefix string, n int) []string {
	ret := make([]string, 0, n)
	for i := range n {
		ret = append(ret, fmt.Sprintf("%s-%d", prefix, i))
	}
	return ret
}

func TestC2DefaultsWithoutProofs(t *testing.T) {
	assert.InDelta(t, 0.07, dragon.C2(nil, 0, 0, -1, dragon.DefaultParams()), 1e-12)
	s := dragon.Compute(dragon.Inputs{Now: testutil.Epoch}, dragon.Params{})
	assert.InDelta(t, 0.07, s.C2, 1e-12)
	assert.InDelta(t, 0.3, s.Alpha, 1e-12)
	assert.Equal(t, dragon.DuStatusBelowActivationThreshold, s.DuStatus)
	assert.Zero(t, s.DU)
}

func TestC2Formula(t *testing.T) {
	proofs := []flow.Proof{
		{HopCount: 3, AgeDays: 4},
		{HopCount: 2, AgeDays: 3},
	}
	// velocities 0.75 and 0.667, ttls 4 and 3
	medianVelocity := (0.75 + 2.0/3.0) / 2
	medianTTL := 3.5
	expected := medianVelocity / medianTTL * (0.5 + 0.5)
	assert.InDelta(t, expected, dragon.C2(proofs, 0.5, 5, -1, dragon.DefaultParams()), 1e-12)

	// N1 doubled since the previous snapshot: growth clamps at 1
	assert.InDelta(t, math.Min(expected*2, 0.25), dragon.C2(proofs, 0.5, 10, 4, dragon.DefaultParams()), 1e-12)

	// Ages below one day count as one day
	fast := []flow.Proof{{HopCount: 40, AgeDays: 0.1}}
	assert.InDelta(t, 0.25, dragon.C2(fast, 1, 5, -1, dragon.DefaultParams()), 1e-12)
	slow := []flow.Proof{{HopCount: 1, AgeDays: 300}}
	assert.InDelta(t, 0.02, dragon.C2(slow, 0, 5, -1, dragon.DefaultParams()), 1e-12)
}

func TestC2AlwaysInRange(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for range 1000 {
		proofs := make([]flow.Proof, r.IntN(20))
		for i := range proofs {
			proofs[i] = flow.Proof{
				HopCount: 1 + r.IntN(50),
				AgeDays:  r.Float64() * 400,
			}
		}
		c2 := dragon.C2(proofs, r.Float64()*3, r.IntN(100), r.IntN(100)-1, dragon.DefaultParams())
		require.GreaterOrEqual(t, c2, 0.02)
		require.LessOrEqual(t, c2, 0.25)
	}
}

func contacts(levels []int, velocities []float64) []dragon.Contact {
	ret := make([]dragon.Contact, 0, len(levels))
	for i := range levels {
		ret = append(ret, dragon.Contact{
			ID:         fmt.Sprintf("c-%d", i),
			SkillLevel: levels[i],
			Velocities: []float64{velocities[i]},
		})
	}
	return ret
}

func TestAlpha(t *testing.T) {
	params := dragon.DefaultParams()
	// Too few contacts with circuits
	small := contacts([]int{1, 2, 3, 4}, []float64{1, 2, 3, 4})
	small = append(small, dragon.Contact{ID: "idle", SkillLevel: 3})
	assert.InDelta(t, 0.3, dragon.Alpha(small, params), 1e-12)

	assert.InDelta(t, 1.0, dragon.Alpha(contacts([]int{1, 2, 3, 4, 5}, []float64{1, 2, 3, 4, 5}), params), 1e-9)
	assert.InDelta(t, -1.0, dragon.Alpha(contacts([]int{1, 2, 3, 4, 5}, []float64{5, 4, 3, 2, 1}), params), 1e-9)
	// Constant series are exactly zero
	assert.Zero(t, dragon.Alpha(contacts([]int{2, 2, 2, 2, 2}, []float64{1, 2, 3, 4, 5}), params))
	assert.Zero(t, dragon.Alpha(contacts([]int{1, 2, 3, 4, 5}, []float64{0.5, 0.5, 0.5, 0.5, 0.5}), params))
}

func TestAlphaAlwaysInRange(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	for range 500 {
		n := r.IntN(30)
		levels := make([]int, n)
		velocities := make([]float64, n)
		for i := range n {
			levels[i] = r.IntN(5)
			velocities[i] = r.Float64() * 10
		}
		a := dragon.Alpha(contacts(levels, velocities), dragon.DefaultParams())
		require.GreaterOrEqual(t, a, -1.0)
		require.LessOrEqual(t, a, 1.0)
	}
}

func TestDUBelowActivationThreshold(t *testing.T) {
	for n := range 5 {
		in := dragon.Inputs{N1: ids("n1", n), N2: ids("n2", 10), MoneyMassN1: 100}
		du, status := dragon.DU(in, 0.07, 0.3, dragon.DefaultParams())
		assert.Zero(t, du)
		assert.Equal(t, dragon.DuStatusBelowActivationThreshold, status)
	}
}

func TestDUFormula(t *testing.T) {
	in := dragon.Inputs{
		N1:          ids("n1", 5),
		N2:          ids("n2", 4),
		MoneyMassN1: 50,
		MoneyMassN2: 40,
		Contacts: []dragon.Contact{
			{ID: "a", SkillLevel: 3},
			{ID: "b", SkillLevel: 0},
		},
	}
	// duBase = 10 + 0.07 * (50 + 40/2) / (5 + 2)
	duBase := 10 + 0.07*70/7
	// average skill score (1 + 0) / 2
	expected := duBase * (1 + 0.3*0.5)
	du, status := dragon.DU(in, 0.07, 0.3, dragon.DefaultParams())
	assert.Equal(t, dragon.DuStatusActive, status)
	assert.InDelta(t, expected, du, 1e-12)

	// The previous active snapshot replaces the initial DU
	in.Previous = &dragon.Snapshot{DU: 20, DuStatus: dragon.DuStatusActive}
	du, _ = dragon.DU(in, 0.07, 0.3, dragon.DefaultParams())
	assert.InDelta(t, (20+0.07*70/7)*(1+0.3*0.5), du, 1e-12)

	// No N2: the N2 term vanishes instead of dividing by zero
	in = dragon.Inputs{N1: ids("n1", 5), MoneyMassN1: 50, MoneyMassN2: 40}
	du, _ = dragon.DU(in, 0.07, 0.3, dragon.DefaultParams())
	assert.InDelta(t, 10+0.07*50/5, du, 1e-12)
}

func TestComputeIsDeterministic(t *testing.T) {
	in := dragon.Inputs{
		Now:        testutil.Day(30),
		IdentityID: "alice",
		MarketID:   testutil.MarketID,
		Circulation: &flow.Circulation{
			Proofs:         []flow.Proof{{HopCount: 3, AgeDays: 4}},
			Closed:         1,
			Issued:         2,
			ClosureRate:    0.5,
			LoopsPerPeriod: 1,
		},
		N1:          ids("n1", 6),
		N2:          ids("n2", 9),
		MoneyMassN1: 30,
		MoneyMassN2: 12,
	}
	first := dragon.Compute(in, dragon.DefaultParams())
	second := dragon.Compute(in, dragon.DefaultParams())
	assert.Equal(t, first, second)
	assert.Equal(t, dragon.DuStatusActive, first.DuStatus)
	assert.Equal(t, dragon.Network{N1: 6, N2: 9}, first.Network)
	assert.InDelta(t, 0.3, first.Alpha, 1e-12)
	assert.InDelta(t, 1.0, first.Circulation.LoopsPerPeriod, 1e-12)

	// With c2 = 0.07 and alpha = 0.3 the dividend follows the formula exactly
	du, _ := dragon.DU(in, 0.07, 0.3, dragon.DefaultParams())
	again, _ := dragon.DU(in, 0.07, 0.3, dragon.DefaultParams())
	assert.InDelta(t, 10+0.07*(30+12/3.0)/(6+3), du, 1e-12)
	assert.Equal(t, du, again)
}

func TestMoneyMass(t *testing.T) {
	alice := testutil.NewIdentity(t, "alice")
	bob := testutil.NewIdentity(t, "bob")
	carol := testutil.NewIdentity(t, "carol")
	held, _ := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: alice,
		Path:   []testutil.Identity{bob},
		Value:  12,
		Start:  testutil.Epoch,
	})
	burned, _ := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: alice,
		Path:   []testutil.Identity{bob},
		Start:  testutil.Epoch,
		Burn:   true,
	})
	elsewhere, _ := testutil.Circuit(t, testutil.CircuitRun{
		Issuer: alice,
		Path:   []testutil.Identity{carol},
		Value:  5,
		Start:  testutil.Epoch,
	})
	vouchers := []*voucher.Voucher{held, burned, elsewhere}
	assert.InDelta(t, 12.0, dragon.MoneyMass(vouchers, []string{bob.Pubkey}, testutil.Day(5)), 1e-12)
	assert.InDelta(t, 17.0, dragon.MoneyMass(vouchers, []string{bob.Pubkey, carol.Pubkey}, testutil.Day(5)), 1e-12)
	// Expired vouchers carry no mass
	assert.Zero(t, dragon.MoneyMass(vouchers, []string{bob.Pubkey}, testutil.Day(200)))
}

func TestComputeAccruesOncePerPeriod(t *testing.T) {
	in := dragon.Inputs{
		Now:         testutil.Day(10).Add(6 * time.Hour),
		N1:          ids("n1", 5),
		MoneyMassN1: 50,
	}
	first := dragon.Compute(in, dragon.DefaultParams())
	assert.Equal(t, testutil.Day(10), first.PeriodStart)
	assert.InDelta(t, 10+0.07*50/5, first.DU, 1e-12)

	// A snapshot of the same period never feeds the next one
	in.Previous = first
	in.Now = in.Now.Add(time.Hour)
	again := dragon.Compute(in, dragon.DefaultParams())
	assert.Equal(t, first.DU, again.DU)

	// The next period builds on the last one
	in.Now = testutil.Day(11)
	next := dragon.Compute(in, dragon.DefaultParams())
	assert.InDelta(t, first.DU+0.07*50/5, next.DU, 1e-12)

	// Weekly periods
	params := dragon.DefaultParams()
	params.PeriodDays = 7
	weekly := dragon.Compute(in, params)
	assert.Equal(t, dragon.PeriodStart(testutil.Day(11), params), weekly.PeriodStart)
	assert.False(t, weekly.PeriodStart.After(testutil.Day(11)))
}
