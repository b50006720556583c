// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

// StepClock holds the global step of a training run: the number of batches processed since the
// very first step of the run, including those before a resumption.
//
// It only moves forward, by exactly one per processed batch.
type StepClock struct {
	step int64
}

// NewStepClock starts the clock at loadedStep, 0 for a fresh run.
func NewStepClock(loadedStep int64) *StepClock {
	return &StepClock{step: loadedStep}
}

// Current global step.
func (c *StepClock) Current() int64 {
	return c.step
}

// Advance moves the clock by one step and returns the new current step.
func (c *StepClock) Advance() int64 {
	c.step++
	return c.step
}
