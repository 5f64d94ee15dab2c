// Package observables implements the statistics arrays produced by
// simulation protocols and the estimators used to turn correlated time
// series into decorrelated property estimates.
package observables

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"propcore/pkg/domain"
	"propcore/pkg/unit"
)

// ObservableType names a column of a statistics array.
type ObservableType string

// Canonical observable columns.
const (
	PotentialEnergy  ObservableType = "PotentialEnergy"
	KineticEnergy    ObservableType = "KineticEnergy"
	TotalEnergy      ObservableType = "TotalEnergy"
	Temperature      ObservableType = "Temperature"
	Volume           ObservableType = "Volume"
	Density          ObservableType = "Density"
	Enthalpy         ObservableType = "Enthalpy"
	ReducedPotential ObservableType = "ReducedPotential"
)

// columnOrder fixes the CSV column order for deterministic output.
var columnOrder = []ObservableType{
	PotentialEnergy, KineticEnergy, TotalEnergy, Temperature,
	Volume, Density, Enthalpy, ReducedPotential,
}

// defaultUnits fixes the unit each column is stored in on disk.
var defaultUnits = map[ObservableType]unit.Unit{
	PotentialEnergy:  unit.KilojoulePerMole,
	KineticEnergy:    unit.KilojoulePerMole,
	TotalEnergy:      unit.KilojoulePerMole,
	Temperature:      unit.Kelvin,
	Volume:           unit.CubicNanometer,
	Density:          unit.KilogramPerCubicM,
	Enthalpy:         unit.KilojoulePerMole,
	ReducedPotential: unit.Dimensionless,
}

// Array is a column table of simulation observables. All present
// columns share one length.
type Array struct {
	columns map[ObservableType][]float64
}

// NewArray builds an empty statistics array.
func NewArray() *Array {
	return &Array{columns: make(map[ObservableType][]float64)}
}

// Set replaces a column.
func (a *Array) Set(observable ObservableType, values []float64) {
	a.columns[observable] = append([]float64(nil), values...)
}

// Get returns a copy of a column.
func (a *Array) Get(observable ObservableType) ([]float64, bool) {
	values, ok := a.columns[observable]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), values...), true
}

// Has reports whether a column is present.
func (a *Array) Has(observable ObservableType) bool {
	_, ok := a.columns[observable]
	return ok
}

// Len returns the number of rows.
func (a *Array) Len() int {
	for _, values := range a.columns {
		return len(values)
	}
	return 0
}

// Unit returns the storage unit of a column.
func Unit(observable ObservableType) unit.Unit {
	if u, ok := defaultUnits[observable]; ok {
		return u
	}
	return unit.Dimensionless
}

// Validate checks that all columns share one length.
func (a *Array) Validate() error {
	n := -1
	for observable, values := range a.columns {
		if n == -1 {
			n = len(values)
			continue
		}
		if len(values) != n {
			return fmt.Errorf("column %s has %d rows, want %d", observable, len(values), n)
		}
	}
	return nil
}

// Join appends the rows of another array; both arrays must carry the
// same column set. Used when a resumed simulation extends an existing
// statistics file.
func (a *Array) Join(other *Array) error {
	if len(a.columns) == 0 {
		for observable, values := range other.columns {
			a.columns[observable] = append([]float64(nil), values...)
		}
		return nil
	}
	if len(a.columns) != len(other.columns) {
		return fmt.Errorf("cannot join arrays with different column sets")
	}
	for observable := range a.columns {
		values, ok := other.columns[observable]
		if !ok {
			return fmt.Errorf("cannot join: column %s missing", observable)
		}
		a.columns[observable] = append(a.columns[observable], values...)
	}
	return nil
}

// WriteCSV writes the array with a "Name (unit)" header row.
func (a *Array) WriteCSV(w io.Writer) error {
	if err := a.Validate(); err != nil {
		return err
	}
	var present []ObservableType
	for _, observable := range columnOrder {
		if a.Has(observable) {
			present = append(present, observable)
		}
	}
	writer := csv.NewWriter(w)
	header := make([]string, len(present))
	for i, observable := range present {
		header[i] = fmt.Sprintf("%s (%s)", observable, Unit(observable))
	}
	if err := writer.Write(header); err != nil {
		return err
	}
	for row := 0; row < a.Len(); row++ {
		record := make([]string, len(present))
		for i, observable := range present {
			record[i] = strconv.FormatFloat(a.columns[observable][row], 'g', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadCSV parses an array written by WriteCSV.
func ReadCSV(r io.Reader) (*Array, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read statistics: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("statistics file is empty")
	}
	header := records[0]
	observables := make([]ObservableType, len(header))
	for i, name := range header {
		if idx := strings.Index(name, " ("); idx >= 0 {
			name = name[:idx]
		}
		observables[i] = ObservableType(strings.TrimSpace(name))
	}
	array := NewArray()
	for _, observable := range observables {
		array.columns[observable] = make([]float64, 0, len(records)-1)
	}
	for _, record := range records[1:] {
		if len(record) != len(observables) {
			return nil, fmt.Errorf("statistics row has %d fields, want %d", len(record), len(observables))
		}
		for i, field := range record {
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("parse statistics value %q: %w", field, err)
			}
			array.columns[observables[i]] = append(array.columns[observables[i]], value)
		}
	}
	return array, nil
}

// FromFile reads a statistics CSV from disk.
func FromFile(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open statistics: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadCSV(f)
}

// ToFile writes a statistics CSV to disk.
func (a *Array) ToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create statistics: %w", err)
	}
	if err := a.WriteCSV(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReducedPotentials computes u = beta (U + p V) per frame for the given
// state. Potential energies are molar (kJ/mol); volumes are per-box
// (nm^3); the p V term is scaled to a molar quantity before adding.
func ReducedPotentials(state domain.ThermodynamicState, potentials, volumes []float64) ([]float64, error) {
	if state.HasPressure() && len(volumes) != len(potentials) {
		return nil, fmt.Errorf("have %d volumes for %d potentials", len(volumes), len(potentials))
	}
	beta := state.Beta()
	out := make([]float64, len(potentials))
	for i := range potentials {
		u := unit.Quantity{Value: potentials[i], Unit: unit.KilojoulePerMole}.Div(unit.AvogadroConstant)
		if state.HasPressure() {
			pv := state.Pressure.Mul(unit.Quantity{Value: volumes[i], Unit: unit.CubicNanometer})
			var err error
			u, err = u.Add(pv)
			if err != nil {
				return nil, err
			}
		}
		reduced := beta.Mul(u)
		if !reduced.Unit.Dim().IsDimensionless() {
			return nil, fmt.Errorf("reduced potential has dimension %+v", reduced.Unit.Dim())
		}
		out[i] = reduced.SI()
	}
	return out, nil
}
