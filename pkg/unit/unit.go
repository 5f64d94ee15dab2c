// Package unit implements the physical quantity model used across the
// dataset, workflow and storage layers. Quantities carry a value and a
// unit; units carry a dimension vector and a conversion factor to SI.
package unit

import (
	"fmt"
	"strconv"
	"strings"
)

// Dimension is a vector of base-dimension exponents. Two units are
// compatible when their dimension vectors are equal.
type Dimension struct {
	Mass        int8
	Length      int8
	Time        int8
	Temperature int8
	Amount      int8
}

// IsDimensionless reports whether every exponent is zero.
func (d Dimension) IsDimensionless() bool {
	return d == Dimension{}
}

func (d Dimension) add(other Dimension) Dimension {
	return Dimension{
		Mass:        d.Mass + other.Mass,
		Length:      d.Length + other.Length,
		Time:        d.Time + other.Time,
		Temperature: d.Temperature + other.Temperature,
		Amount:      d.Amount + other.Amount,
	}
}

func (d Dimension) sub(other Dimension) Dimension {
	return Dimension{
		Mass:        d.Mass - other.Mass,
		Length:      d.Length - other.Length,
		Time:        d.Time - other.Time,
		Temperature: d.Temperature - other.Temperature,
		Amount:      d.Amount - other.Amount,
	}
}

func (d Dimension) pow(n int8) Dimension {
	return Dimension{
		Mass:        d.Mass * n,
		Length:      d.Length * n,
		Time:        d.Time * n,
		Temperature: d.Temperature * n,
		Amount:      d.Amount * n,
	}
}

// Unit describes a measurement unit as a dimension vector plus the
// multiplicative factor converting one of it into SI base units.
type Unit struct {
	symbol string
	dim    Dimension
	scale  float64
}

// Dim returns the unit's dimension vector.
func (u Unit) Dim() Dimension { return u.dim }

// Scale returns the factor converting one of this unit to SI.
func (u Unit) Scale() float64 { return u.scale }

// String returns the symbol the unit was parsed or constructed with.
func (u Unit) String() string {
	if u.symbol != "" {
		return u.symbol
	}
	if u.dim.IsDimensionless() {
		return "dimensionless"
	}
	return composeSymbol(u.dim, u.scale)
}

// CompatibleWith reports whether quantities of the two units may be
// converted into one another.
func (u Unit) CompatibleWith(other Unit) bool { return u.dim == other.dim }

var baseUnits = map[string]Unit{
	"dimensionless": {symbol: "dimensionless"},
	"":              {symbol: "dimensionless"},

	"kg": {symbol: "kg", dim: Dimension{Mass: 1}, scale: 1},
	"g":  {symbol: "g", dim: Dimension{Mass: 1}, scale: 1e-3},
	"mg": {symbol: "mg", dim: Dimension{Mass: 1}, scale: 1e-6},

	"m":        {symbol: "m", dim: Dimension{Length: 1}, scale: 1},
	"dm":       {symbol: "dm", dim: Dimension{Length: 1}, scale: 1e-1},
	"cm":       {symbol: "cm", dim: Dimension{Length: 1}, scale: 1e-2},
	"mm":       {symbol: "mm", dim: Dimension{Length: 1}, scale: 1e-3},
	"nm":       {symbol: "nm", dim: Dimension{Length: 1}, scale: 1e-9},
	"angstrom": {symbol: "angstrom", dim: Dimension{Length: 1}, scale: 1e-10},
	"A":        {symbol: "A", dim: Dimension{Length: 1}, scale: 1e-10},

	"L": {symbol: "L", dim: Dimension{Length: 3}, scale: 1e-3},

	"s":  {symbol: "s", dim: Dimension{Time: 1}, scale: 1},
	"ms": {symbol: "ms", dim: Dimension{Time: 1}, scale: 1e-3},
	"ns": {symbol: "ns", dim: Dimension{Time: 1}, scale: 1e-9},
	"ps": {symbol: "ps", dim: Dimension{Time: 1}, scale: 1e-12},
	"fs": {symbol: "fs", dim: Dimension{Time: 1}, scale: 1e-15},

	"Hz":  {symbol: "Hz", dim: Dimension{Time: -1}, scale: 1},
	"MHz": {symbol: "MHz", dim: Dimension{Time: -1}, scale: 1e6},

	"K": {symbol: "K", dim: Dimension{Temperature: 1}, scale: 1},

	"mol": {symbol: "mol", dim: Dimension{Amount: 1}, scale: 1},

	"J":  {symbol: "J", dim: Dimension{Mass: 1, Length: 2, Time: -2}, scale: 1},
	"kJ": {symbol: "kJ", dim: Dimension{Mass: 1, Length: 2, Time: -2}, scale: 1e3},

	"Pa":  {symbol: "Pa", dim: Dimension{Mass: 1, Length: -1, Time: -2}, scale: 1},
	"kPa": {symbol: "kPa", dim: Dimension{Mass: 1, Length: -1, Time: -2}, scale: 1e3},
	"MPa": {symbol: "MPa", dim: Dimension{Mass: 1, Length: -1, Time: -2}, scale: 1e6},
	"bar": {symbol: "bar", dim: Dimension{Mass: 1, Length: -1, Time: -2}, scale: 1e5},
	"atm": {symbol: "atm", dim: Dimension{Mass: 1, Length: -1, Time: -2}, scale: 101325},
}

// Frequently used units exposed as package-level values.
var (
	Dimensionless      = MustParse("dimensionless")
	Kelvin             = MustParse("K")
	Kilopascal         = MustParse("kPa")
	KilojoulePerMole   = MustParse("kJ/mol")
	KilogramPerCubicM  = MustParse("kg/m^3")
	GramPerMole        = MustParse("g/mol")
	Femtosecond        = MustParse("fs")
	Picosecond         = MustParse("ps")
	Nanometer          = MustParse("nm")
	CubicNanometer     = MustParse("nm^3")
	JoulePerKelvinMole = MustParse("J/K/mol")
)

// Parse converts a unit symbol such as "kg/m^3", "kJ/mol" or "J/K/mol"
// into a Unit. Any segment after the first '/' divides; '*' multiplies
// within a segment; exponents may be written with or without a caret
// ("m^3" and "m3" are equivalent, matching ThermoML unit strings).
func Parse(symbol string) (Unit, error) {
	full := strings.TrimSpace(symbol)
	if u, ok := baseUnits[full]; ok {
		return u, nil
	}
	// Derived units print with a leading conversion factor, as in
	// "1000 kg/m"; accept that form back.
	prefix := 1.0
	trimmed := full
	if head, rest, ok := strings.Cut(full, " "); ok {
		parsed, err := strconv.ParseFloat(head, 64)
		if err != nil {
			return Unit{}, fmt.Errorf("parse unit %q: invalid scale prefix %q", symbol, head)
		}
		if parsed == 0 {
			return Unit{}, fmt.Errorf("parse unit %q: zero scale prefix", symbol)
		}
		prefix = parsed
		trimmed = strings.TrimSpace(rest)
	}
	segments := strings.Split(trimmed, "/")
	result := Unit{symbol: full, scale: prefix}
	for i, segment := range segments {
		for _, token := range strings.Split(segment, "*") {
			factor, err := parseToken(token)
			if err != nil {
				return Unit{}, fmt.Errorf("parse unit %q: %w", symbol, err)
			}
			if i == 0 {
				result.dim = result.dim.add(factor.dim)
				result.scale *= factor.scale
			} else {
				result.dim = result.dim.sub(factor.dim)
				result.scale /= factor.scale
			}
		}
	}
	return result, nil
}

// MustParse is Parse for symbols known to be valid; it panics otherwise.
func MustParse(symbol string) Unit {
	u, err := Parse(symbol)
	if err != nil {
		panic(err)
	}
	return u
}

func parseToken(token string) (Unit, error) {
	token = strings.TrimSpace(token)
	if token == "" || token == "1" {
		return Unit{scale: 1}, nil
	}
	name := token
	exp := int8(1)
	if idx := strings.Index(token, "^"); idx >= 0 {
		name = token[:idx]
		parsed, err := strconv.Atoi(token[idx+1:])
		if err != nil {
			return Unit{}, fmt.Errorf("invalid exponent in %q", token)
		}
		exp = int8(parsed)
	} else {
		// ThermoML writes exponents without a caret: "m3", "dm3".
		cut := len(token)
		for cut > 0 && (token[cut-1] == '-' || (token[cut-1] >= '0' && token[cut-1] <= '9')) {
			cut--
		}
		if cut < len(token) {
			parsed, err := strconv.Atoi(token[cut:])
			if err != nil {
				return Unit{}, fmt.Errorf("invalid exponent in %q", token)
			}
			name = token[:cut]
			exp = int8(parsed)
		}
	}
	base, ok := baseUnits[name]
	if !ok {
		return Unit{}, fmt.Errorf("unknown unit symbol %q", name)
	}
	scale := 1.0
	for i := int8(0); i < absInt8(exp); i++ {
		scale *= base.scale
	}
	if exp < 0 {
		scale = 1 / scale
	}
	return Unit{dim: base.dim.pow(exp), scale: scale}, nil
}

func absInt8(v int8) int8 {
	if v < 0 {
		return -v
	}
	return v
}

func composeSymbol(dim Dimension, scale float64) string {
	parts := []struct {
		symbol string
		exp    int8
	}{
		{"kg", dim.Mass},
		{"m", dim.Length},
		{"s", dim.Time},
		{"K", dim.Temperature},
		{"mol", dim.Amount},
	}
	var numerator, denominator []string
	for _, p := range parts {
		switch {
		case p.exp == 1:
			numerator = append(numerator, p.symbol)
		case p.exp > 1:
			numerator = append(numerator, fmt.Sprintf("%s^%d", p.symbol, p.exp))
		case p.exp == -1:
			denominator = append(denominator, p.symbol)
		case p.exp < -1:
			denominator = append(denominator, fmt.Sprintf("%s^%d", p.symbol, -p.exp))
		}
	}
	out := strings.Join(numerator, "*")
	if out == "" {
		out = "1"
	}
	if len(denominator) > 0 {
		out += "/" + strings.Join(denominator, "/")
	}
	if scale != 1 {
		out = fmt.Sprintf("%g %s", scale, out)
	}
	return out
}

// Physical constants in SI-derived units.
var (
	BoltzmannConstant = Quantity{Value: 1.380649e-23, Unit: MustParse("J/K")}
	AvogadroConstant  = Quantity{Value: 6.02214076e23, Unit: MustParse("1/mol")}
	MolarGasConstant  = Quantity{Value: 8.31446261815324, Unit: JoulePerKelvinMole}
)
