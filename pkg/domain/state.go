package domain

import (
	"fmt"

	"propcore/pkg/unit"
)

// ThermodynamicState is the (temperature, pressure) pair a property was
// measured or estimated at. Pressure may be absent for condensed-phase
// contexts and NVT ensembles.
type ThermodynamicState struct {
	Temperature unit.Quantity  `json:"temperature"`
	Pressure    *unit.Quantity `json:"pressure,omitempty"`
}

// NewThermodynamicState builds a state; pass a nil pressure for
// temperature-only states.
func NewThermodynamicState(temperature unit.Quantity, pressure *unit.Quantity) ThermodynamicState {
	return ThermodynamicState{Temperature: temperature, Pressure: pressure}
}

// Validate checks the dimensions of both quantities.
func (s ThermodynamicState) Validate() error {
	if s.Temperature.Unit.Dim() != unit.Kelvin.Dim() {
		return fmt.Errorf("temperature has dimension %+v, want temperature", s.Temperature.Unit.Dim())
	}
	if s.Temperature.SI() <= 0 {
		return fmt.Errorf("temperature must be positive, got %s", s.Temperature)
	}
	if s.Pressure != nil && s.Pressure.Unit.Dim() != unit.Kilopascal.Dim() {
		return fmt.Errorf("pressure has dimension %+v, want pressure", s.Pressure.Unit.Dim())
	}
	return nil
}

// HasPressure reports whether a pressure is attached.
func (s ThermodynamicState) HasPressure() bool { return s.Pressure != nil }

// Beta returns 1/(kB T), the inverse thermal energy used when forming
// reduced potentials.
func (s ThermodynamicState) Beta() unit.Quantity {
	return unit.Quantity{Value: 1, Unit: unit.Dimensionless}.
		Div(unit.BoltzmannConstant.Mul(s.Temperature))
}

// Identifier returns a canonical string used in storage keys, with the
// quantities reduced to SI.
func (s ThermodynamicState) Identifier() string {
	if s.Pressure == nil {
		return fmt.Sprintf("T=%.4fK", s.Temperature.SI())
	}
	return fmt.Sprintf("T=%.4fK,P=%.4fPa", s.Temperature.SI(), s.Pressure.SI())
}

// CompatibleWith reports whether two states agree within the supplied
// absolute SI tolerances; storage queries use this to match cached data.
func (s ThermodynamicState) CompatibleWith(other ThermodynamicState, tempTol, pressureTol float64) bool {
	if !unit.ApproxEqual(s.Temperature, other.Temperature, tempTol) {
		return false
	}
	if (s.Pressure == nil) != (other.Pressure == nil) {
		return false
	}
	if s.Pressure != nil && !unit.ApproxEqual(*s.Pressure, *other.Pressure, pressureTol) {
		return false
	}
	return true
}
