package enrich

import (
	"strings"

	"cadgraph/internal/logging"
)

// Validation links an OCR word to CAD text it confirms.
type Validation struct {
	OCRText         string  `json:"ocr_text"`
	CADText         string  `json:"cad_text"`
	Confidence      float64 `json:"confidence"`
	CorrelationType string  `json:"correlation_type"` // exact or partial
}

// Discovery is an OCR word with no CAD counterpart: text the drawing
// carries only as raster or as geometry the parser missed.
type Discovery struct {
	OCRText    string  `json:"ocr_text"`
	Confidence float64 `json:"confidence"`
	RegionType string  `json:"region_type"`
	Context    string  `json:"context"`
}

// RegionReading pairs a region with its OCR output.
type RegionReading struct {
	Region Region
	Result OCRResult
}

// discoveryFloor filters low-confidence unmatched words out of the
// discovery set; they are far more likely noise than signal.
const discoveryFloor = 0.7

// CrossValidate compares every OCR word against the CAD annotation text of
// its region. Matches become validations; unmatched high-confidence words
// become discoveries.
func CrossValidate(readings []RegionReading) ([]Validation, []Discovery) {
	var validations []Validation
	var discoveries []Discovery

	for _, reading := range readings {
		for _, word := range reading.Result.Words {
			if normalizeText(word.Text) == "" {
				continue
			}
			cadText, correlation := matchCAD(word.Text, reading.Region.CADText)
			if correlation != "" {
				validations = append(validations, Validation{
					OCRText:         word.Text,
					CADText:         cadText,
					Confidence:      word.Confidence,
					CorrelationType: correlation,
				})
				continue
			}
			if word.Confidence >= discoveryFloor {
				discoveries = append(discoveries, Discovery{
					OCRText:    word.Text,
					Confidence: word.Confidence,
					RegionType: reading.Region.Type,
					Context:    reading.Region.ID,
				})
			}
		}
	}

	logging.Enrich("cross-validation: %d validations, %d discoveries", len(validations), len(discoveries))
	return validations, discoveries
}

// matchCAD finds the first CAD string the OCR word confirms. Comparison is
// case- and whitespace-insensitive; containment either way counts as a
// partial match.
func matchCAD(ocrText string, cadTexts []string) (string, string) {
	ocr := normalizeText(ocrText)
	if ocr == "" {
		return "", ""
	}
	for _, cad := range cadTexts {
		norm := normalizeText(cad)
		if norm == "" {
			continue
		}
		if norm == ocr {
			return cad, "exact"
		}
		if strings.Contains(norm, ocr) || strings.Contains(ocr, norm) {
			return cad, "partial"
		}
	}
	return "", ""
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// QualityMetrics aggregates the enrichment outcome for the job record.
type QualityMetrics struct {
	RegionCount       int     `json:"region_count"`
	WordCount         int     `json:"word_count"`
	ValidationCount   int     `json:"validation_count"`
	DiscoveryCount    int     `json:"discovery_count"`
	AverageConfidence float64 `json:"average_confidence"`
	ValidationRate    float64 `json:"validation_rate"`
	QualityScore      float64 `json:"quality_score"`
}

// ScoreQuality blends OCR confidence with the validation rate: high
// confidence on words the CAD text confirms scores best.
func ScoreQuality(readings []RegionReading, validations []Validation, discoveries []Discovery) QualityMetrics {
	m := QualityMetrics{
		RegionCount:     len(readings),
		ValidationCount: len(validations),
		DiscoveryCount:  len(discoveries),
	}
	total := 0.0
	for _, reading := range readings {
		for _, word := range reading.Result.Words {
			m.WordCount++
			total += word.Confidence
		}
	}
	if m.WordCount > 0 {
		m.AverageConfidence = total / float64(m.WordCount)
		m.ValidationRate = float64(m.ValidationCount) / float64(m.WordCount)
	}
	m.QualityScore = 0.6*m.AverageConfidence + 0.4*m.ValidationRate
	return m
}
