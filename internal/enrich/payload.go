package enrich

import (
	"encoding/json"
	"fmt"
	"math"

	"cadgraph/internal/graph"
	"cadgraph/internal/projector"
)

// BuildOCRPayload assembles the graph additions for one enrichment run:
// OCRRegion and OCRText nodes hanging off the ingest's Floor, plus
// VALIDATES/DISCOVERS links back to it. Uids are `ocr_region_N` in region
// order and `ocr_text_N` in word order, deterministic for a given reading
// set.
func BuildOCRPayload(readings []RegionReading, validations []Validation, discoveries []Discovery) graph.Payload {
	var out graph.Payload

	textUIDs := map[string]string{} // first occurrence of a word's text -> uid
	textSeq := 0

	for i, reading := range readings {
		if len(reading.Result.Words) == 0 {
			continue
		}
		regionUID := fmt.Sprintf("ocr_region_%d", i+1)

		total := 0.0
		for _, word := range reading.Result.Words {
			total += word.Confidence
		}
		avg := total / float64(len(reading.Result.Words))

		out.Nodes = append(out.Nodes, graph.Node{
			Label: graph.LabelOCRRegion,
			UID:   regionUID,
			Props: map[string]interface{}{
				"region_id":          reading.Region.ID,
				"region_type":        reading.Region.Type,
				"text_count":         int64(len(reading.Result.Words)),
				"average_confidence": math.Round(avg*1000) / 1000,
			},
		})
		out.Relationships = append(out.Relationships, graph.Relationship{
			StartLabel: graph.LabelFloor,
			StartUID:   projector.FloorUID,
			Type:       graph.RelHasOCRRegion,
			EndLabel:   graph.LabelOCRRegion,
			EndUID:     regionUID,
		})

		for _, word := range reading.Result.Words {
			textSeq++
			textUID := fmt.Sprintf("ocr_text_%d", textSeq)
			if _, seen := textUIDs[word.Text]; !seen {
				textUIDs[word.Text] = textUID
			}
			out.Nodes = append(out.Nodes, graph.Node{
				Label: graph.LabelOCRText,
				UID:   textUID,
				Props: map[string]interface{}{
					"text":           word.Text,
					"confidence":     word.Confidence,
					"region_id":      reading.Region.ID,
					"region_type":    reading.Region.Type,
					"engine":         reading.Result.Engine,
					"extracted_info": extractedInfo(reading, word),
				},
			})
			out.Relationships = append(out.Relationships, graph.Relationship{
				StartLabel: graph.LabelOCRRegion,
				StartUID:   regionUID,
				Type:       graph.RelContainsText,
				EndLabel:   graph.LabelOCRText,
				EndUID:     textUID,
			})
		}
	}

	for _, v := range validations {
		textUID, ok := textUIDs[v.OCRText]
		if !ok {
			continue
		}
		out.Relationships = append(out.Relationships, graph.Relationship{
			StartLabel: graph.LabelOCRText,
			StartUID:   textUID,
			Type:       graph.RelValidates,
			EndLabel:   graph.LabelFloor,
			EndUID:     projector.FloorUID,
			Props: map[string]interface{}{
				"confidence":       v.Confidence,
				"correlation_type": v.CorrelationType,
				"cad_text":         v.CADText,
			},
		})
	}

	for _, d := range discoveries {
		textUID, ok := textUIDs[d.OCRText]
		if !ok {
			continue
		}
		out.Relationships = append(out.Relationships, graph.Relationship{
			StartLabel: graph.LabelOCRText,
			StartUID:   textUID,
			Type:       graph.RelDiscovers,
			EndLabel:   graph.LabelFloor,
			EndUID:     projector.FloorUID,
			Props: map[string]interface{}{
				"confidence":  d.Confidence,
				"region_type": d.RegionType,
				"context":     d.Context,
			},
		})
	}

	return out
}

// extractedInfo serializes what the word matched against, kept as one JSON
// string property.
func extractedInfo(reading RegionReading, word Word) string {
	info := map[string]interface{}{
		"region_id": reading.Region.ID,
	}
	cadCtx := ContextFor(reading.Region)
	for _, pattern := range cadCtx.ExpectedPatterns {
		if matchPattern(pattern, word.Text) {
			info["matched_pattern"] = pattern
			break
		}
	}
	b, err := json.Marshal(info)
	if err != nil {
		return "{}"
	}
	return string(b)
}
