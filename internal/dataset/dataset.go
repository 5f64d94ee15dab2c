// Package dataset implements collections of measured or estimated
// physical properties: the tagged JSON wire format, validation on
// import, and the non-destructive filter operations consumed by the
// estimation layers.
package dataset

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"propcore/pkg/domain"
	"propcore/pkg/unit"
)

// DataSet is an ordered, read-only collection of physical property
// records. Construction goes through parsing or AddProperties; the
// filter methods return new sets and never mutate the receiver.
type DataSet struct {
	properties []domain.PhysicalProperty
	byID       map[string]int
}

// New builds an empty data set.
func New() *DataSet {
	return &DataSet{byID: make(map[string]int)}
}

// AddProperties validates and appends records. A record whose id is
// already present is rejected.
func (d *DataSet) AddProperties(properties ...domain.PhysicalProperty) error {
	for _, p := range properties {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, exists := d.byID[p.ID]; exists {
			return fmt.Errorf("duplicate property id %q", p.ID)
		}
		d.byID[p.ID] = len(d.properties)
		d.properties = append(d.properties, p)
	}
	return nil
}

// Len returns the number of records.
func (d *DataSet) Len() int { return len(d.properties) }

// Properties returns a copy of the record list.
func (d *DataSet) Properties() []domain.PhysicalProperty {
	out := make([]domain.PhysicalProperty, len(d.properties))
	copy(out, d.properties)
	return out
}

// ByID looks a record up by its identifier.
func (d *DataSet) ByID(id string) (domain.PhysicalProperty, bool) {
	idx, ok := d.byID[id]
	if !ok {
		return domain.PhysicalProperty{}, false
	}
	return d.properties[idx], true
}

// Substances returns the distinct substances in the set, keyed by
// their canonical identifier.
func (d *DataSet) Substances() map[string]*domain.Substance {
	out := make(map[string]*domain.Substance)
	for _, p := range d.properties {
		out[p.Substance.Identifier()] = p.Substance
	}
	return out
}

// Merge returns a new set holding the records of both sets. Records
// sharing an id must be identical in the receiver and argument.
func (d *DataSet) Merge(other *DataSet) (*DataSet, error) {
	merged := New()
	if err := merged.AddProperties(d.properties...); err != nil {
		return nil, err
	}
	for _, p := range other.properties {
		if _, exists := merged.byID[p.ID]; exists {
			continue
		}
		if err := merged.AddProperties(p); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func (d *DataSet) filter(keep func(domain.PhysicalProperty) bool) *DataSet {
	out := New()
	for _, p := range d.properties {
		if keep(p) {
			out.byID[p.ID] = len(out.properties)
			out.properties = append(out.properties, p)
		}
	}
	return out
}

// FilterByPropertyTypes keeps records of the given types.
func (d *DataSet) FilterByPropertyTypes(types ...domain.PropertyType) *DataSet {
	allowed := make(map[domain.PropertyType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return d.filter(func(p domain.PhysicalProperty) bool { return allowed[p.Type] })
}

// FilterByPhase keeps records whose phase intersects the given set.
func (d *DataSet) FilterByPhase(phase domain.PropertyPhase) *DataSet {
	return d.filter(func(p domain.PhysicalProperty) bool { return p.Phase&phase != 0 })
}

// FilterByTemperature keeps records measured within [min, max].
func (d *DataSet) FilterByTemperature(min, max unit.Quantity) *DataSet {
	return d.filter(func(p domain.PhysicalProperty) bool {
		t := p.State.Temperature.SI()
		return t >= min.SI() && t <= max.SI()
	})
}

// FilterByPressure keeps records measured within [min, max]; records
// without a pressure are dropped.
func (d *DataSet) FilterByPressure(min, max unit.Quantity) *DataSet {
	return d.filter(func(p domain.PhysicalProperty) bool {
		if p.State.Pressure == nil {
			return false
		}
		v := p.State.Pressure.SI()
		return v >= min.SI() && v <= max.SI()
	})
}

// FilterByComponentCount keeps records whose substance has exactly n
// components.
func (d *DataSet) FilterByComponentCount(n int) *DataSet {
	return d.filter(func(p domain.PhysicalProperty) bool {
		return p.Substance.NumberOfComponents() == n
	})
}

// FilterBySMILES keeps records whose substance contains at least one of
// the given SMILES patterns.
func (d *DataSet) FilterBySMILES(smiles ...string) *DataSet {
	wanted := make(map[string]bool, len(smiles))
	for _, s := range smiles {
		wanted[s] = true
	}
	return d.filter(func(p domain.PhysicalProperty) bool {
		for _, c := range p.Substance.Components() {
			if wanted[c.SMILES] {
				return true
			}
		}
		return false
	})
}

// FilterBySubstance keeps records whose substance identifier matches.
func (d *DataSet) FilterBySubstance(identifier string) *DataSet {
	return d.filter(func(p domain.PhysicalProperty) bool {
		return p.Substance.Identifier() == identifier
	})
}

const dataSetTypeTag = "PhysicalPropertyDataSet"

type dataSetJSON struct {
	Type       string                    `json:"@type"`
	Properties []domain.PhysicalProperty `json:"properties"`
}

// MarshalJSON writes the tagged document form.
func (d *DataSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(dataSetJSON{Type: dataSetTypeTag, Properties: d.properties})
}

// UnmarshalJSON parses and validates the tagged document form.
func (d *DataSet) UnmarshalJSON(data []byte) error {
	var aux dataSetJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Type != "" && aux.Type != dataSetTypeTag {
		return fmt.Errorf("unexpected document type %q", aux.Type)
	}
	d.properties = nil
	d.byID = make(map[string]int)
	return d.AddProperties(aux.Properties...)
}

// Parse reads a tagged JSON dataset document.
func Parse(r io.Reader) (*DataSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	set := New()
	if err := json.Unmarshal(data, set); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	return set, nil
}

// FromFile parses a dataset document from disk.
func FromFile(path string) (*DataSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}
