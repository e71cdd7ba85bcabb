// Package pid implements the closed-loop temperature controller used for
// each boiler. The derivative acts on the measurement (not the error) so a
// setpoint change cannot kick the output, and the integral accumulator is
// clamped so its contribution can never exceed the output range.
package pid

import (
	"fmt"

	"github.com/chewxy/math32"
)

const (
	// OutputMax is the upper output clamp (duty cycle percent).
	OutputMax = 100.0
	// OutputMin is the lower output clamp.
	OutputMin = 0.0

	// DefaultDerivativeTau is the time constant of the first-order
	// low-pass filter applied to the raw measurement derivative.
	DefaultDerivativeTau = 0.5

	// kiEpsilon: below this the integral term is skipped entirely so the
	// accumulator clamp (OutputMax/Ki) stays bounded.
	kiEpsilon = 0.001
)

// Gain validation limits. Setters reject values outside these ranges and
// keep the previous value.
const (
	maxKp       = 1000.0
	maxKi       = 100.0
	maxKd       = 1000.0
	maxSetpoint = 200.0
)

// Controller holds the state of one PID loop.
type Controller struct {
	kp, ki, kd float32
	setpoint   float32

	// Setpoint ramping: the working setpoint moves toward target at
	// rampRate degrees per second.
	target   float32
	ramping  bool
	rampRate float32

	integral        float32
	lastMeasurement float32
	lastDerivative  float32
	output          float32
	derivativeTau   float32
	firstRun        bool
}

// New creates a controller with the given gains and setpoint.
func New(kp, ki, kd, setpoint float32) *Controller {
	return &Controller{
		kp:            kp,
		ki:            ki,
		kd:            kd,
		setpoint:      setpoint,
		target:        setpoint,
		rampRate:      1.0,
		derivativeTau: DefaultDerivativeTau,
		firstRun:      true,
	}
}

// Compute advances the loop by dt seconds with the given measurement and
// returns the output duty cycle in [0, 100].
//
// Degenerate inputs (nil receiver, dt <= 0, NaN measurement) return 0 and
// leave all state unchanged.
func (c *Controller) Compute(measurement, dt float32) float32 {
	if c == nil || dt <= 0 || math32.IsNaN(measurement) || math32.IsNaN(dt) {
		return 0
	}

	c.advanceRamp(dt)

	err := c.setpoint - measurement

	pTerm := c.kp * err

	var iTerm float32
	if c.ki > kiEpsilon {
		c.integral += err * dt
		maxIntegral := float32(OutputMax) / c.ki
		if c.integral > maxIntegral {
			c.integral = maxIntegral
		}
		if c.integral < -maxIntegral {
			c.integral = -maxIntegral
		}
		iTerm = c.ki * c.integral
	}

	// Derivative on measurement. The first call only records the baseline
	// so there is no startup spike.
	var dTerm float32
	if c.firstRun {
		c.lastMeasurement = measurement
		c.lastDerivative = 0
		c.firstRun = false
	} else {
		raw := (measurement - c.lastMeasurement) / dt
		alpha := dt / (c.derivativeTau + dt)
		c.lastDerivative = alpha*raw + (1-alpha)*c.lastDerivative
		dTerm = -c.kd * c.lastDerivative
		c.lastMeasurement = measurement
	}

	out := pTerm + iTerm + dTerm
	if out > OutputMax {
		out = OutputMax
	}
	if out < OutputMin {
		out = OutputMin
	}
	c.output = out
	return out
}

// advanceRamp moves the working setpoint toward the ramp target.
func (c *Controller) advanceRamp(dt float32) {
	if !c.ramping {
		return
	}
	step := c.rampRate * dt
	diff := c.target - c.setpoint
	if math32.Abs(diff) <= step {
		c.setpoint = c.target
		c.ramping = false
		return
	}
	if diff > 0 {
		c.setpoint += step
	} else {
		c.setpoint -= step
	}
}

// Reset clears the accumulated state. Gains and setpoint are kept.
func (c *Controller) Reset() {
	c.integral = 0
	c.lastMeasurement = 0
	c.lastDerivative = 0
	c.output = 0
	c.firstRun = true
}

// SetSetpoint changes the setpoint immediately (no ramp).
// Out-of-range values are rejected and the previous setpoint is kept.
func (c *Controller) SetSetpoint(s float32) error {
	if math32.IsNaN(s) || s < 0 || s > maxSetpoint {
		return fmt.Errorf("setpoint %.1f out of range [0, %.0f]", s, float32(maxSetpoint))
	}
	c.setpoint = s
	c.target = s
	c.ramping = false
	return nil
}

// SetSetpointRamped moves the setpoint toward target at ratePerSec degrees
// per second over subsequent Compute calls.
func (c *Controller) SetSetpointRamped(target, ratePerSec float32) error {
	if math32.IsNaN(target) || target < 0 || target > maxSetpoint {
		return fmt.Errorf("setpoint %.1f out of range [0, %.0f]", target, float32(maxSetpoint))
	}
	if ratePerSec <= 0 || math32.IsNaN(ratePerSec) {
		return fmt.Errorf("ramp rate %.3f must be positive", ratePerSec)
	}
	c.target = target
	c.rampRate = ratePerSec
	c.ramping = true
	return nil
}

// SetGains replaces all three gains. Out-of-range or NaN gains are
// rejected atomically: the previous gains are kept.
func (c *Controller) SetGains(kp, ki, kd float32) error {
	if math32.IsNaN(kp) || kp < 0 || kp > maxKp {
		return fmt.Errorf("kp %.3f out of range [0, %.0f]", kp, float32(maxKp))
	}
	if math32.IsNaN(ki) || ki < 0 || ki > maxKi {
		return fmt.Errorf("ki %.3f out of range [0, %.0f]", ki, float32(maxKi))
	}
	if math32.IsNaN(kd) || kd < 0 || kd > maxKd {
		return fmt.Errorf("kd %.3f out of range [0, %.0f]", kd, float32(maxKd))
	}
	c.kp, c.ki, c.kd = kp, ki, kd
	return nil
}

// Setpoint returns the current working setpoint.
func (c *Controller) Setpoint() float32 {
	return c.setpoint
}

// Output returns the last computed output.
func (c *Controller) Output() float32 {
	return c.output
}

// Gains returns the current gains.
func (c *Controller) Gains() (kp, ki, kd float32) {
	return c.kp, c.ki, c.kd
}
