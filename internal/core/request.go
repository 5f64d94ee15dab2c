// Package core routes property-estimation requests through an ordered
// chain of calculation layers, batching the properties of a request by
// substance and executing the resulting workload on a compute backend.
package core

import (
	"encoding/json"
	"fmt"

	"propcore/internal/dataset"
	"propcore/pkg/domain"
)

// RequestOptions tune how a request's properties are estimated.
type RequestOptions struct {
	// Layers names the calculation layers to try, in order. Each
	// property falls through to the next layer until one produces an
	// estimate. Defaults to ReweightingLayer then SimulationLayer.
	Layers []string `json:"layers,omitempty"`
	// MaxMolecules bounds the size of simulation boxes built for
	// condensed phases.
	MaxMolecules int `json:"max_molecules,omitempty"`
	// Steps is the production simulation length in integration steps.
	Steps int `json:"steps,omitempty"`
	// OutputFrequency is the number of steps between statistics frames.
	OutputFrequency int `json:"output_frequency,omitempty"`
	// Engine overrides the external engine binary resolved from PATH.
	Engine string `json:"engine,omitempty"`
	// RequiredEffectiveSamples is the floor below which reweighted
	// estimates are rejected.
	RequiredEffectiveSamples float64 `json:"required_effective_samples,omitempty"`
}

func (o RequestOptions) withDefaults() RequestOptions {
	if len(o.Layers) == 0 {
		o.Layers = []string{LayerReweighting, LayerSimulation}
	}
	if o.MaxMolecules <= 0 {
		o.MaxMolecules = 1000
	}
	if o.Steps <= 0 {
		o.Steps = 1_000_000
	}
	if o.OutputFrequency <= 0 {
		o.OutputFrequency = 500
	}
	if o.RequiredEffectiveSamples <= 0 {
		o.RequiredEffectiveSamples = 50
	}
	return o
}

// EstimationRequest is the unit of work a client submits: the
// properties to estimate, the force field to estimate them with, and
// tuning options.
type EstimationRequest struct {
	DataSet      *dataset.DataSet              `json:"dataset"`
	ForceField   []byte                        `json:"force_field"`
	Options      RequestOptions                `json:"options"`
	GradientKeys []domain.ParameterGradientKey `json:"gradient_keys,omitempty"`
}

// Validate checks the request is estimable before it is queued.
func (r EstimationRequest) Validate() error {
	if r.DataSet == nil || r.DataSet.Len() == 0 {
		return fmt.Errorf("request has no properties to estimate")
	}
	if len(r.ForceField) == 0 {
		return fmt.Errorf("request has no force field")
	}
	return nil
}

// RequestStatus is the lifecycle state of a submitted request.
type RequestStatus string

const (
	StatusQueued   RequestStatus = "queued"
	StatusRunning  RequestStatus = "running"
	StatusComplete RequestStatus = "complete"
	StatusError    RequestStatus = "error"
)

// Terminal reports whether the status will no longer change.
func (s RequestStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// PropertyException records a layer failure for a single property.
// Failures never abort the request; the property is reported back
// unestimated together with what went wrong.
type PropertyException struct {
	PropertyID string `json:"property_id"`
	Layer      string `json:"layer,omitempty"`
	Message    string `json:"message"`
}

// RequestResult is the polled view of a request: which properties have
// been estimated, which remain, and the failures collected so far.
type RequestResult struct {
	ID                    string                    `json:"id"`
	Status                RequestStatus             `json:"status"`
	EstimatedProperties   []domain.PhysicalProperty `json:"estimated_properties"`
	UnestimatedProperties []domain.PhysicalProperty `json:"unestimated_properties"`
	Exceptions            []PropertyException       `json:"exceptions,omitempty"`
	Error                 string                    `json:"error,omitempty"`
}

// estimationRequestJSON keeps the force-field payload readable on the
// wire as a string column rather than base64 bytes.
type estimationRequestJSON struct {
	DataSet      *dataset.DataSet              `json:"dataset"`
	ForceField   string                        `json:"force_field"`
	Options      RequestOptions                `json:"options"`
	GradientKeys []domain.ParameterGradientKey `json:"gradient_keys,omitempty"`
}

func (r EstimationRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(estimationRequestJSON{
		DataSet:      r.DataSet,
		ForceField:   string(r.ForceField),
		Options:      r.Options,
		GradientKeys: r.GradientKeys,
	})
}

func (r *EstimationRequest) UnmarshalJSON(data []byte) error {
	var wire estimationRequestJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.DataSet = wire.DataSet
	r.ForceField = []byte(wire.ForceField)
	r.Options = wire.Options
	r.GradientKeys = wire.GradientKeys
	return nil
}
