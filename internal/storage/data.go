// Package storage caches the output of completed simulations so that
// later estimation requests can reweight existing data instead of
// resampling. An index backend (memory, SQLite or Postgres) tracks
// the metadata; the heavyweight trajectory and statistics files live
// in a blob store as tar.gz archives.
package storage

import (
	"fmt"
	"time"

	"propcore/pkg/domain"
)

// StoredSimulationData describes one cached production run: what was
// simulated, under which force field, and how much independent
// information the trajectory carries.
type StoredSimulationData struct {
	ID        string             `json:"id"`
	Substance *domain.Substance  `json:"substance"`
	State     domain.ThermodynamicState `json:"thermodynamic_state"`
	Phase     domain.PropertyPhase      `json:"phase"`

	ForceFieldID        string `json:"force_field_id"`
	SourceCalculationID string `json:"source_calculation_id"`
	NumberOfMolecules   int    `json:"number_of_molecules"`

	StatisticalInefficiency float64 `json:"statistical_inefficiency"`
	EffectiveSamples        float64 `json:"effective_samples"`

	ArchiveKey string    `json:"archive_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks the descriptive fields; ancillary statistics may be
// zero for freshly imported data.
func (d StoredSimulationData) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("stored data requires an id")
	}
	if d.Substance == nil {
		return fmt.Errorf("stored data requires a substance")
	}
	if err := d.Substance.Validate(); err != nil {
		return fmt.Errorf("stored data substance: %w", err)
	}
	if err := d.State.Validate(); err != nil {
		return fmt.Errorf("stored data state: %w", err)
	}
	if d.ForceFieldID == "" {
		return fmt.Errorf("stored data requires a force field id")
	}
	if d.NumberOfMolecules <= 0 {
		return fmt.Errorf("stored data requires a positive molecule count")
	}
	return nil
}

// Tolerances for treating two thermodynamic states as the same point.
const (
	temperatureTolerance = 0.5   // K
	pressureTolerance    = 500.0 // Pa
)

// Compatible reports whether two cached records describe the same
// simulated system: substance, phase, force field and thermodynamic
// state all match. Ancillary statistics are deliberately ignored so
// redundant data can be detected regardless of run length.
func (d StoredSimulationData) Compatible(other StoredSimulationData) bool {
	if d.ForceFieldID != other.ForceFieldID {
		return false
	}
	if d.Phase != other.Phase {
		return false
	}
	if d.Substance.Identifier() != other.Substance.Identifier() {
		return false
	}
	return d.State.CompatibleWith(other.State, temperatureTolerance, pressureTolerance)
}

// MoreInformative reports whether this record carries more independent
// information than the other. Lower statistical inefficiency wins;
// effective sample count breaks ties.
func (d StoredSimulationData) MoreInformative(other StoredSimulationData) bool {
	if d.StatisticalInefficiency != other.StatisticalInefficiency {
		// Zero inefficiency means "unknown" and never wins.
		if d.StatisticalInefficiency == 0 {
			return false
		}
		if other.StatisticalInefficiency == 0 {
			return true
		}
		return d.StatisticalInefficiency < other.StatisticalInefficiency
	}
	return d.EffectiveSamples > other.EffectiveSamples
}

// Query filters cached simulation data. Zero-valued fields match
// everything.
type Query struct {
	SubstanceIdentifier string
	ForceFieldID        string
	Phase               domain.PropertyPhase
	State               *domain.ThermodynamicState
}

// Matches applies the query against one record.
func (q Query) Matches(d StoredSimulationData) bool {
	if q.SubstanceIdentifier != "" && d.Substance.Identifier() != q.SubstanceIdentifier {
		return false
	}
	if q.ForceFieldID != "" && d.ForceFieldID != q.ForceFieldID {
		return false
	}
	if q.Phase != 0 && d.Phase != q.Phase {
		return false
	}
	if q.State != nil && !d.State.CompatibleWith(*q.State, temperatureTolerance, pressureTolerance) {
		return false
	}
	return true
}
