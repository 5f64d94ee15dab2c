package unit

import (
	"encoding/json"
	"fmt"
	"math"
)

// Quantity is a value with an attached unit. The JSON representation is
// the {value, unit} pair used by the dataset wire format.
type Quantity struct {
	Value float64
	Unit  Unit
}

// NewQuantity builds a quantity from a value and a parsed unit symbol.
func NewQuantity(value float64, symbol string) (Quantity, error) {
	u, err := Parse(symbol)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: value, Unit: u}, nil
}

// MustQuantity is NewQuantity for symbols known to be valid.
func MustQuantity(value float64, symbol string) Quantity {
	return Quantity{Value: value, Unit: MustParse(symbol)}
}

// SI returns the value converted to SI base units.
func (q Quantity) SI() float64 {
	if q.Unit.dim.IsDimensionless() && q.Unit.scale == 0 {
		return q.Value
	}
	return q.Value * q.Unit.scale
}

// Convert expresses the quantity in the target unit. The dimensions of
// the two units must match.
func (q Quantity) Convert(target Unit) (Quantity, error) {
	if !q.Unit.CompatibleWith(target) {
		return Quantity{}, fmt.Errorf("incompatible units %q and %q", q.Unit, target)
	}
	if target.scale == 0 {
		return Quantity{Value: q.SI(), Unit: target}, nil
	}
	return Quantity{Value: q.SI() / target.scale, Unit: target}, nil
}

// Add returns q + other expressed in q's unit.
func (q Quantity) Add(other Quantity) (Quantity, error) {
	converted, err := other.Convert(q.Unit)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: q.Value + converted.Value, Unit: q.Unit}, nil
}

// Sub returns q - other expressed in q's unit.
func (q Quantity) Sub(other Quantity) (Quantity, error) {
	converted, err := other.Convert(q.Unit)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: q.Value - converted.Value, Unit: q.Unit}, nil
}

// Mul returns the product of two quantities with a combined unit.
func (q Quantity) Mul(other Quantity) Quantity {
	return Quantity{
		Value: q.Value * other.Value,
		Unit: Unit{
			dim:   q.Unit.dim.add(other.Unit.dim),
			scale: nonZeroScale(q.Unit.scale) * nonZeroScale(other.Unit.scale),
		},
	}
}

// Div returns the ratio of two quantities with a combined unit.
func (q Quantity) Div(other Quantity) Quantity {
	return Quantity{
		Value: q.Value / other.Value,
		Unit: Unit{
			dim:   q.Unit.dim.sub(other.Unit.dim),
			scale: nonZeroScale(q.Unit.scale) / nonZeroScale(other.Unit.scale),
		},
	}
}

// Scale multiplies the value by a dimensionless factor.
func (q Quantity) Scale(factor float64) Quantity {
	return Quantity{Value: q.Value * factor, Unit: q.Unit}
}

func nonZeroScale(s float64) float64 {
	if s == 0 {
		return 1
	}
	return s
}

func (q Quantity) String() string {
	return fmt.Sprintf("%g %s", q.Value, q.Unit)
}

type quantityJSON struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// MarshalJSON encodes the quantity as a {value, unit} pair.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(quantityJSON{Value: q.Value, Unit: q.Unit.String()})
}

// UnmarshalJSON decodes a {value, unit} pair, parsing the unit symbol.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	var aux quantityJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	parsed, err := Parse(aux.Unit)
	if err != nil {
		return err
	}
	q.Value = aux.Value
	q.Unit = parsed
	return nil
}

// Measurement couples an estimated or measured value with its
// uncertainty. Both quantities must share one dimension.
type Measurement struct {
	Value       Quantity `json:"value"`
	Uncertainty Quantity `json:"uncertainty"`
}

// NewMeasurement validates that value and uncertainty are dimensionally
// compatible before combining them.
func NewMeasurement(value, uncertainty Quantity) (Measurement, error) {
	if !value.Unit.CompatibleWith(uncertainty.Unit) {
		return Measurement{}, fmt.Errorf("measurement value unit %q incompatible with uncertainty unit %q",
			value.Unit, uncertainty.Unit)
	}
	return Measurement{Value: value, Uncertainty: uncertainty}, nil
}

// Validate re-checks the dimensional invariant after deserialization.
func (m Measurement) Validate() error {
	if !m.Value.Unit.CompatibleWith(m.Uncertainty.Unit) {
		return fmt.Errorf("measurement value unit %q incompatible with uncertainty unit %q",
			m.Value.Unit, m.Uncertainty.Unit)
	}
	return nil
}

// ApproxEqual reports whether two quantities agree within tolerance once
// both are reduced to SI.
func ApproxEqual(a, b Quantity, tolerance float64) bool {
	if !a.Unit.CompatibleWith(b.Unit) {
		return false
	}
	return math.Abs(a.SI()-b.SI()) <= tolerance
}
