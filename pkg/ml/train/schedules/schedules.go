// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedules implements learning rate schedules: pure functions of the training step.
package schedules

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Kind of learning rate schedule.
type Kind string

const (
	// Constant keeps the learning rate at Params.BaseRate. It is also selected by "default".
	Constant Kind = "constant"

	// Noam is the warmup followed by inverse square root decay of "Attention Is All You Need":
	//
	//	BaseRate * WarmupSteps^0.5 * min((step+1) * WarmupSteps^-1.5, (step+1)^-0.5)
	//
	// After warmup the rate is floored at MinRate.
	Noam Kind = "noam"

	// Cosine anneals from BaseRate to MinRate over a period of DecaySteps, restarting at each period.
	// If MinRate is 0, it defaults to 10^-3 * BaseRate.
	Cosine Kind = "cosine"

	// Exponential decays continuously: BaseRate * DecayRate^(step/DecaySteps).
	Exponential Kind = "exponential"

	// Step decays in stairs: BaseRate * DecayRate^floor(step/DecaySteps).
	Step Kind = "step"
)

// Kinds lists the valid schedule kinds.
var Kinds = []Kind{Constant, Noam, Cosine, Exponential, Step}

// ParseKind converts a name to a Kind. "default" and "" are accepted as aliases of Constant.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "default" {
		return Constant, nil
	}
	for _, kind := range Kinds {
		if string(kind) == name {
			return kind, nil
		}
	}
	return "", errors.Errorf("unknown learning rate schedule %q, valid values are %q", name, Kinds)
}

// Params configures a schedule. It's a value type: Rate never changes it.
type Params struct {
	Kind Kind

	// BaseRate is the initial (or peak, for Noam) learning rate.
	BaseRate float64

	// WarmupSteps for Noam is part of its formula. For the other kinds, if > 0 the rate ramps up
	// linearly from BaseRate/WarmupSteps to BaseRate over the first WarmupSteps steps.
	WarmupSteps int64

	// MinRate floors Noam after warmup, and is the end value of a Cosine period.
	MinRate float64

	// DecaySteps is the period of Cosine, and the decay unit of Exponential and Step.
	DecaySteps int64

	// DecayRate is the multiplicative factor of Exponential and Step per DecaySteps.
	DecayRate float64
}

// Validate returns an error if the parameters are not valid for the kind of schedule.
func (p Params) Validate() error {
	if _, err := ParseKind(string(p.Kind)); err != nil {
		return err
	}
	if p.BaseRate < 0 || p.MinRate < 0 || p.WarmupSteps < 0 || p.DecaySteps < 0 || p.DecayRate < 0 {
		return errors.Errorf("learning rate schedule parameters must be non-negative, got %+v", p)
	}
	switch kind, _ := ParseKind(string(p.Kind)); kind {
	case Noam:
		if p.WarmupSteps == 0 {
			return errors.New("noam learning rate schedule requires WarmupSteps > 0")
		}
	case Cosine, Exponential, Step:
		if p.DecaySteps == 0 {
			return errors.Errorf("%s learning rate schedule requires DecaySteps > 0", kind)
		}
	}
	return nil
}

// Rate returns the learning rate for the given step. It is deterministic and never negative.
// Invalid parameters (see Params.Validate) degrade to the constant BaseRate.
func Rate(step int64, p Params) float64 {
	step = max(step, 0)
	kind, err := ParseKind(string(p.Kind))
	if err != nil {
		return max(p.BaseRate, 0)
	}
	if kind == Noam {
		return noam(step, p)
	}
	rate := p.BaseRate
	switch kind {
	case Cosine:
		rate = cosine(step, p)
	case Exponential:
		if p.DecaySteps > 0 {
			rate = p.BaseRate * math.Pow(p.DecayRate, float64(step)/float64(p.DecaySteps))
		}
	case Step:
		if p.DecaySteps > 0 {
			rate = p.BaseRate * math.Pow(p.DecayRate, float64(step/p.DecaySteps))
		}
	}
	if p.WarmupSteps > 0 && step < p.WarmupSteps {
		rate *= float64(step+1) / float64(p.WarmupSteps)
	}
	return max(rate, 0)
}

func noam(step int64, p Params) float64 {
	if p.WarmupSteps <= 0 {
		return max(p.BaseRate, 0)
	}
	warmup := float64(p.WarmupSteps)
	s := float64(step + 1)
	rate := p.BaseRate * math.Sqrt(warmup) * math.Min(s*math.Pow(warmup, -1.5), math.Pow(s, -0.5))
	if step >= p.WarmupSteps && rate < p.MinRate {
		rate = p.MinRate
	}
	return max(rate, 0)
}

// cosine takes only the fractional part of the cycle, so it restarts at every period.
func cosine(step int64, p Params) float64 {
	if p.DecaySteps <= 0 {
		return p.BaseRate
	}
	minRate := p.MinRate
	if minRate == 0 {
		minRate = p.BaseRate * 1e-3
	}
	cycle := float64(step) / float64(p.DecaySteps)
	cycle -= math.Floor(cycle)
	factor := (math.Cos(cycle*math.Pi) + 1) / 2
	return minRate + factor*(p.BaseRate-minRate)
}
