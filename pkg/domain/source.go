package domain

import (
	"encoding/json"
	"fmt"
)

// Source records the provenance of a property: either a literature
// measurement or the computational workflow that produced an estimate.
type Source interface {
	// SourceType returns the @type discriminator written to the wire.
	SourceType() string
}

// MeasurementSource cites the literature or archive a measured value
// was taken from.
type MeasurementSource struct {
	Reference string `json:"reference"`
	DOI       string `json:"doi,omitempty"`
}

// SourceType implements Source.
func (MeasurementSource) SourceType() string { return "MeasurementSource" }

// CalculationSource records the calculation layer and workflow
// provenance of a computed value.
type CalculationSource struct {
	// FidelityLayer names the calculation layer that produced the value
	// (e.g. SimulationLayer, ReweightingLayer).
	FidelityLayer string `json:"fidelity"`
	// Provenance holds layer-specific detail such as workflow and
	// protocol identifiers.
	Provenance map[string]string `json:"provenance,omitempty"`
}

// SourceType implements Source.
func (CalculationSource) SourceType() string { return "CalculationSource" }

// taggedSource wraps a Source with its @type discriminator for the
// wire format.
type taggedSource struct {
	Type   string `json:"@type"`
	Source Source `json:"-"`
}

func (t taggedSource) MarshalJSON() ([]byte, error) {
	inner, err := json.Marshal(t.Source)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(inner, &fields); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(t.Type)
	if err != nil {
		return nil, err
	}
	fields["@type"] = tag
	return json.Marshal(fields)
}

func unmarshalSource(data []byte) (Source, error) {
	var probe struct {
		Type string `json:"@type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case "MeasurementSource", "":
		var s MeasurementSource
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case "CalculationSource":
		var s CalculationSource
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown source type %q", probe.Type)
	}
}
