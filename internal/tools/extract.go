package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"care-companion/pkg"

	"github.com/xeipuuv/gojsonschema"
)

// ExtractionPrompt instructs the vision model how to read a prescription.
const ExtractionPrompt = `You are reading a photo of a medical prescription or medication label.
Return a JSON object with this shape and nothing else:
{"medications":[{"name":"","dosage":"","frequency":"","total_amount":"","instructions":""}],"notes":""}
Use empty strings for anything you cannot read. If the image is not a prescription, return {"medications":[],"notes":"not a prescription"}.`

var extractionSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"properties": {
		"medications": {
			"type": "array",
			"maxItems": 20,
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"dosage": {"type": "string"},
					"frequency": {"type": "string"},
					"total_amount": {"type": "string"},
					"instructions": {"type": "string"}
				},
				"required": ["name"]
			}
		},
		"notes": {"type": "string"}
	},
	"required": ["medications"]
}`)

// ErrNotPrescription is returned when the image holds no readable
// medication.
var ErrNotPrescription = errors.New("no medication found in image")

// VisionClient reads images.
type VisionClient interface {
	DescribeImage(ctx context.Context, prompt string, image []byte, mimeType string) (string, error)
}

// ExtractedMedication is one line of a prescription as read by the model.
type ExtractedMedication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	TotalAmount  string `json:"total_amount"`
	Instructions string `json:"instructions"`
}

// Extraction is the model's reading of a prescription photo.
type Extraction struct {
	Medications []ExtractedMedication `json:"medications"`
	Notes       string                `json:"notes"`
}

// PrescriptionExtractor turns prescription photos into prescriptions.
type PrescriptionExtractor struct {
	Vision VisionClient
	schema *gojsonschema.Schema
}

// NewPrescriptionExtractor constructs an extractor backed by vision.
func NewPrescriptionExtractor(vision VisionClient) (*PrescriptionExtractor, error) {
	schema, err := gojsonschema.NewSchema(extractionSchema)
	if err != nil {
		return nil, fmt.Errorf("compile extraction schema: %w", err)
	}
	return &PrescriptionExtractor{Vision: vision, schema: schema}, nil
}

// Extract reads image and returns the medications on it.
func (e *PrescriptionExtractor) Extract(ctx context.Context, image []byte, mimeType string) (*Extraction, error) {
	raw, err := e.Vision.DescribeImage(ctx, ExtractionPrompt, image, mimeType)
	if err != nil {
		return nil, fmt.Errorf("vision: %w", err)
	}
	return e.parse(raw)
}

func (e *PrescriptionExtractor) parse(raw string) (*Extraction, error) {
	doc := stripFences(raw)

	res, err := e.schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("extraction is not JSON: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, re := range res.Errors() {
			msgs = append(msgs, re.String())
		}
		return nil, fmt.Errorf("extraction does not match schema: %s", strings.Join(msgs, "; "))
	}

	var out Extraction
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, err
	}
	meds := out.Medications[:0]
	for _, m := range out.Medications {
		m.Name = strings.TrimSpace(m.Name)
		if m.Name != "" {
			meds = append(meds, m)
		}
	}
	out.Medications = meds
	if len(out.Medications) == 0 {
		return &out, ErrNotPrescription
	}
	return &out, nil
}

// Prescriptions converts the extraction into prescriptions for userID.
func (x *Extraction) Prescriptions(userID string) []pkg.Prescription {
	out := make([]pkg.Prescription, 0, len(x.Medications))
	for _, m := range x.Medications {
		out = append(out, pkg.Prescription{
			UserID:       userID,
			Name:         m.Name,
			Dosage:       m.Dosage,
			Frequency:    m.Frequency,
			TotalAmount:  m.TotalAmount,
			Instructions: m.Instructions,
			Status:       pkg.StatusActive,
			Source:       "photo",
		})
	}
	return out
}

// stripFences removes a ```json fence some models wrap around JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
