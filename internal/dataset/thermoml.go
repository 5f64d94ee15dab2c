package dataset

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"propcore/pkg/domain"
	"propcore/pkg/unit"
)

// thermomlProperty maps a ThermoML property name prefix onto the
// property type and the phases it may be reported in.
type thermomlProperty struct {
	Type   domain.PropertyType
	Phases domain.PropertyPhase
}

var thermomlProperties = map[string]thermomlProperty{
	"Mass density":                    {domain.PropertyDensity, domain.PhaseLiquid},
	"Relative permittivity":           {domain.PropertyDielectricConstant, domain.PhaseLiquid},
	"Molar enthalpy of vaporization":  {domain.PropertyEnthalpyOfVaporization, domain.PhaseLiquid | domain.PhaseGas},
	"Excess molar enthalpy":           {domain.PropertyEnthalpyOfMixing, domain.PhaseLiquid},
	"Excess molar volume":             {domain.PropertyExcessMolarVolume, domain.PhaseLiquid},
	"Molar enthalpy of vaporization or sublimation": {domain.PropertyEnthalpyOfVaporization, domain.PhaseLiquid | domain.PhaseGas},
}

// RegisterThermoMLProperty extends the import table with an additional
// ThermoML property name.
func RegisterThermoMLProperty(name string, propertyType domain.PropertyType, phases domain.PropertyPhase) {
	thermomlProperties[name] = thermomlProperty{Type: propertyType, Phases: phases}
}

// UnitFromThermoMLString extracts the unit from a ThermoML property or
// variable name such as "Mass density, kg/m3". Names without a comma
// are dimensionless.
func UnitFromThermoMLString(name string) (unit.Unit, error) {
	idx := strings.LastIndex(name, ",")
	if idx < 0 {
		return unit.Dimensionless, nil
	}
	return unit.Parse(strings.TrimSpace(name[idx+1:]))
}

// The subset of the ThermoML schema consumed by the importer.
type thermomlDocument struct {
	XMLName   xml.Name           `xml:"DataReport"`
	Citation  thermomlCitation   `xml:"Citation"`
	Compounds []thermomlCompound `xml:"Compound"`
	Blocks    []thermomlBlock    `xml:"PureOrMixtureData"`
}

type thermomlCitation struct {
	DOI   string `xml:"sDOI"`
	Title string `xml:"sTitle"`
}

type thermomlCompound struct {
	OrgNum int    `xml:"RegNum>nOrgNum"`
	SMILES string `xml:"sSmiles"`
}

type thermomlBlock struct {
	Components []thermomlComponent `xml:"Component"`
	Properties []thermomlPropDecl  `xml:"Property"`
	Variables  []thermomlVariable  `xml:"Variable"`
	Rows       []thermomlRow       `xml:"NumValues"`
}

type thermomlComponent struct {
	OrgNum int `xml:"RegNum>nOrgNum"`
}

type thermomlPropDecl struct {
	Number int    `xml:"nPropNumber"`
	Name   string `xml:"Property-MethodID>PropertyGroup>VolumetricProp>ePropName"`
	// Alternative property group locations collapse to the same name.
	NameAlt  string `xml:"Property-MethodID>PropertyGroup>ThermodynProp>ePropName"`
	NameHeat string `xml:"Property-MethodID>PropertyGroup>HeatCapacityAndDerivedProp>ePropName"`
	Phase    string `xml:"PropPhaseID>ePropPhase"`
}

func (p thermomlPropDecl) name() string {
	if p.Name != "" {
		return p.Name
	}
	if p.NameAlt != "" {
		return p.NameAlt
	}
	return p.NameHeat
}

type thermomlVariable struct {
	Number int    `xml:"nVarNumber"`
	Name   string `xml:"VariableID>VariableType>eVarType"`
	OrgNum int    `xml:"VariableID>RegNum>nOrgNum"`
}

type thermomlRow struct {
	Variables []thermomlValue `xml:"VariableValue"`
	Props     []thermomlPropValue `xml:"PropertyValue"`
}

type thermomlValue struct {
	Number int     `xml:"nVarNumber"`
	Value  float64 `xml:"nVarValue"`
}

type thermomlPropValue struct {
	Number      int     `xml:"nPropNumber"`
	Value       float64 `xml:"nPropValue"`
	Uncertainty float64 `xml:"PropUncertainty>nStdUncertValue"`
}

// FromThermoML parses a ThermoML archive document into a data set.
// Properties without an entry in the import table are skipped.
func FromThermoML(r io.Reader) (*DataSet, error) {
	var doc thermomlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode thermoml: %w", err)
	}
	compounds := make(map[int]string, len(doc.Compounds))
	for _, c := range doc.Compounds {
		compounds[c.OrgNum] = strings.TrimSpace(c.SMILES)
	}

	set := New()
	recordIndex := 0
	for _, block := range doc.Blocks {
		properties, err := blockProperties(block, compounds, doc.Citation, &recordIndex)
		if err != nil {
			return nil, err
		}
		if err := set.AddProperties(properties...); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func blockProperties(block thermomlBlock, compounds map[int]string, citation thermomlCitation, recordIndex *int) ([]domain.PhysicalProperty, error) {
	declared := make(map[int]thermomlPropDecl, len(block.Properties))
	for _, p := range block.Properties {
		declared[p.Number] = p
	}

	var out []domain.PhysicalProperty
	for _, row := range block.Rows {
		state, fractions, err := rowState(block, row)
		if err != nil {
			return nil, err
		}
		substance, err := rowSubstance(block, compounds, fractions)
		if err != nil {
			return nil, err
		}
		for _, pv := range row.Props {
			decl, ok := declared[pv.Number]
			if !ok {
				continue
			}
			name := decl.name()
			entry, ok := lookupThermoMLProperty(name)
			if !ok {
				continue
			}
			propUnit, err := UnitFromThermoMLString(name)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", name, err)
			}
			*recordIndex++
			property := domain.PhysicalProperty{
				ID:          fmt.Sprintf("thermoml-%d", *recordIndex),
				Type:        entry.Type,
				Phase:       entry.Phases,
				State:       state,
				Substance:   substance,
				Value:       unit.Quantity{Value: pv.Value, Unit: propUnit},
				Uncertainty: unit.Quantity{Value: pv.Uncertainty, Unit: propUnit},
				Source:      domain.MeasurementSource{Reference: citation.Title, DOI: citation.DOI},
			}
			out = append(out, property)
		}
	}
	return out, nil
}

func lookupThermoMLProperty(name string) (thermomlProperty, bool) {
	base := name
	if idx := strings.LastIndex(name, ","); idx >= 0 {
		base = strings.TrimSpace(name[:idx])
	}
	entry, ok := thermomlProperties[base]
	return entry, ok
}

func rowState(block thermomlBlock, row thermomlRow) (domain.ThermodynamicState, map[int]float64, error) {
	byNumber := make(map[int]thermomlVariable, len(block.Variables))
	for _, v := range block.Variables {
		byNumber[v.Number] = v
	}
	var temperature *unit.Quantity
	var pressure *unit.Quantity
	fractions := make(map[int]float64)
	for _, value := range row.Variables {
		variable, ok := byNumber[value.Number]
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(variable.Name, "Temperature"):
			q := unit.MustQuantity(value.Value, "K")
			temperature = &q
		case strings.HasPrefix(variable.Name, "Pressure"):
			q := unit.MustQuantity(value.Value, "kPa")
			pressure = &q
		case strings.HasPrefix(variable.Name, "Mole fraction"):
			fractions[variable.OrgNum] = value.Value
		}
	}
	if temperature == nil {
		return domain.ThermodynamicState{}, nil, fmt.Errorf("thermoml row has no temperature variable")
	}
	return domain.NewThermodynamicState(*temperature, pressure), fractions, nil
}

func rowSubstance(block thermomlBlock, compounds map[int]string, fractions map[int]float64) (*domain.Substance, error) {
	substance := domain.NewSubstance()
	remaining := 1.0
	var unconstrained []string
	for _, component := range block.Components {
		smiles, ok := compounds[component.OrgNum]
		if !ok || smiles == "" {
			return nil, fmt.Errorf("compound %d has no smiles entry", component.OrgNum)
		}
		if fraction, ok := fractions[component.OrgNum]; ok {
			substance.AddComponent(domain.Component{SMILES: smiles, Role: domain.RoleSolvent},
				domain.MoleFraction(fraction))
			remaining -= fraction
		} else {
			unconstrained = append(unconstrained, smiles)
		}
	}
	// The final component's fraction is implied by the constraint that
	// fractions sum to one.
	switch len(unconstrained) {
	case 0:
	case 1:
		substance.AddComponent(domain.Component{SMILES: unconstrained[0], Role: domain.RoleSolvent},
			domain.MoleFraction(remaining))
	default:
		return nil, fmt.Errorf("%d components without mole fraction constraints", len(unconstrained))
	}
	if err := substance.Validate(); err != nil {
		return nil, fmt.Errorf("thermoml substance: %w", err)
	}
	return substance, nil
}

// urlCache memoises fetched archive documents so that repeated imports
// of the same DOI/URL do not hit the archive again.
var urlCache = gocache.New(time.Hour, 10*time.Minute)

// FromThermoMLURL fetches and parses a ThermoML archive document,
// caching the raw payload for an hour.
func FromThermoMLURL(url string) (*DataSet, error) {
	if cached, ok := urlCache.Get(url); ok {
		return FromThermoML(strings.NewReader(cached.(string)))
	}
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch thermoml: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch thermoml: unexpected status %s", resp.Status)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch thermoml: %w", err)
	}
	urlCache.Set(url, string(payload), gocache.DefaultExpiration)
	return FromThermoML(strings.NewReader(string(payload)))
}

// FromThermoMLDOI resolves a DOI against the NIST ThermoML archive and
// imports the referenced document.
func FromThermoMLDOI(doi string) (*DataSet, error) {
	return FromThermoMLURL(fmt.Sprintf("https://trc.nist.gov/ThermoML/%s.xml", doi))
}
