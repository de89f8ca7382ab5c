package detector

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/adverant/nexus/regionocr-worker/internal/region"
)

// TemplateField is one fixed field position of a document family.
type TemplateField struct {
	Label string     `json:"label"`
	Box   region.Box `json:"bbox"`
}

// LeaseAbstractTemplate is the field layout of the one-page lease abstract
// most commercial real-estate packages open with.
func LeaseAbstractTemplate() []TemplateField {
	return []TemplateField{
		{Label: "property_name", Box: region.Box{X0: 0.08, Y0: 0.06, X1: 0.92, Y1: 0.10}},
		{Label: "property_address", Box: region.Box{X0: 0.08, Y0: 0.11, X1: 0.92, Y1: 0.15}},
		{Label: "tenant_name", Box: region.Box{X0: 0.08, Y0: 0.20, X1: 0.55, Y1: 0.24}},
		{Label: "landlord_name", Box: region.Box{X0: 0.55, Y0: 0.20, X1: 0.92, Y1: 0.24}},
		{Label: "lease_commencement", Box: region.Box{X0: 0.08, Y0: 0.28, X1: 0.50, Y1: 0.32}},
		{Label: "lease_expiration", Box: region.Box{X0: 0.50, Y0: 0.28, X1: 0.92, Y1: 0.32}},
		{Label: "rentable_square_feet", Box: region.Box{X0: 0.08, Y0: 0.36, X1: 0.50, Y1: 0.40}},
		{Label: "base_rent", Box: region.Box{X0: 0.50, Y0: 0.36, X1: 0.92, Y1: 0.40}},
		{Label: "security_deposit", Box: region.Box{X0: 0.08, Y0: 0.44, X1: 0.50, Y1: 0.48}},
		{Label: "renewal_options", Box: region.Box{X0: 0.08, Y0: 0.52, X1: 0.92, Y1: 0.60}},
	}
}

// templateStage returns the configured field boxes at a constant low
// confidence. It never looks at the pixels.
type templateStage struct {
	fields     []TemplateField
	confidence float64
}

func (s *templateStage) Name() region.Source { return region.SourceTemplate }

func (s *templateStage) Detect(_ context.Context, _ *pageInput) ([]region.Region, error) {
	out := make([]region.Region, 0, len(s.fields))
	for _, f := range s.fields {
		out = append(out, region.Region{
			Box:        f.Box,
			Label:      f.Label,
			Confidence: s.confidence,
		})
	}
	return out, nil
}

// templateFile is the on-disk layout of a document family:
//
//	fields:
//	  - label: base_rent
//	    bbox: [0.50, 0.36, 0.92, 0.40]
type templateFile struct {
	Fields []struct {
		Label string    `yaml:"label"`
		BBox  []float64 `yaml:"bbox"`
	} `yaml:"fields"`
}

// LoadTemplate reads a YAML template and validates every box.
func LoadTemplate(path string) ([]TemplateField, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	var tf templateFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	if len(tf.Fields) == 0 {
		return nil, fmt.Errorf("template %s has no fields", path)
	}
	fields := make([]TemplateField, 0, len(tf.Fields))
	for i, f := range tf.Fields {
		if len(f.BBox) != 4 {
			return nil, fmt.Errorf("template field %d (%q): bbox needs 4 values, got %d", i, f.Label, len(f.BBox))
		}
		box := region.Box{X0: f.BBox[0], Y0: f.BBox[1], X1: f.BBox[2], Y1: f.BBox[3]}
		if err := region.Validate(box); err != nil {
			return nil, fmt.Errorf("template field %d (%q): %w", i, f.Label, err)
		}
		fields = append(fields, TemplateField{Label: f.Label, Box: box})
	}
	return fields, nil
}
