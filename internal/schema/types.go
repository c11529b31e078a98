package schema

import "time"

type FieldType string

const (
	TypeNumber  FieldType = "number"
	TypeString  FieldType = "string"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeArray   FieldType = "array"
)

// DiscoveredField is one metadata field observed while sampling a namespace.
// Frequency is the fraction of sampled records carrying the field.
type DiscoveredField struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	DisplayName string    `json:"displayName"`
	Examples    []string  `json:"examples"`
	Frequency   float64   `json:"frequency"`
}

// DiscoveredCalculation is a named calculation the schema can support.
// Available is derived from the field set and recomputed with the schema,
// never mutated independently.
type DiscoveredCalculation struct {
	Type           string   `json:"type"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	RequiredFields []string `json:"requiredFields"`
	Available      bool     `json:"available"`
}

// DynamicSchema is the discovered shape of one namespace. Many namespaces
// may share a templateType; the template is a heuristic default, not
// authoritative.
type DynamicSchema struct {
	TemplateType       string                  `json:"templateType"`
	TemplateConfidence float64                 `json:"templateConfidence"`
	TemplateReason     string                  `json:"templateReason"`
	Namespace          string                  `json:"namespace"`
	Fields             []DiscoveredField       `json:"fields"`
	Calculations       []DiscoveredCalculation `json:"calculations"`
	Examples           []string                `json:"examples"`
	VectorCount        int64                   `json:"vectorCount"`
	LastUpdated        time.Time               `json:"lastUpdated"`
	LastDiscoveredAt   time.Time               `json:"lastDiscoveredAt"`
}

func (s *DynamicSchema) HasField(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (s *DynamicSchema) Field(name string) (DiscoveredField, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return DiscoveredField{}, false
}

// RecomputeAvailability rederives every calculation's Available flag from the
// current field set. Call after any field addition or removal.
func (s *DynamicSchema) RecomputeAvailability() {
	for i := range s.Calculations {
		s.Calculations[i].Available = s.calculationAvailable(s.Calculations[i])
	}
}

func (s *DynamicSchema) calculationAvailable(calc DiscoveredCalculation) bool {
	for _, required := range calc.RequiredFields {
		if !s.HasField(required) {
			return false
		}
	}
	return true
}
