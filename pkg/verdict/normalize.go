// Package verdict turns raw VirusTotal analysis documents into a stable
// datamodel.Verdict and derives a severity from it.
package verdict

import (
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"sort"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
)

var LogLevel = &slog.LevelVar{}

var Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

const categoryMalicious = "malicious"

type object = map[string]any

// Normalize never fails: a payload it cannot read yields zero counts and
// the unknown payload kind.
func Normalize(raw []byte) (v datamodel.Verdict) {
	v = datamodel.Verdict{RawPayloadKind: datamodel.PayloadUnknown, Detections: []datamodel.DetectingEngine{}}

	doc, ok := decodeObject(raw)
	if !ok {
		Logger.Debug("payload is not a json object", slog.Int("size", len(raw)))
		return
	}

	switch result := doc["result"].(type) {
	case string:
		inner, ok := decodeObject([]byte(result))
		if !ok {
			Logger.Warn("could not parse embedded result, keep it opaque")
			v.Opaque = result
			return
		}
		doc = inner
	case object:
		doc = result
	}

	attributes := doc
	if data, ok := doc["data"].(object); ok {
		if attrs, ok := data["attributes"].(object); ok {
			attributes = attrs
		}
	}

	if stats, ok := statsObject(attributes); ok {
		v.RawPayloadKind = datamodel.PayloadV3Stats
		v.Counts = datamodel.EngineVerdictCounts{
			Harmless:   count(stats["harmless"]),
			Malicious:  count(stats["malicious"]),
			Suspicious: count(stats["suspicious"]),
			Undetected: count(stats["undetected"]),
			Timeout:    count(stats["timeout"]),
		}
		v.EngineTotal = v.Counts.Total()
		v.Detections = detections(attributes)
		return
	}

	if isV2(doc) {
		v.RawPayloadKind = datamodel.PayloadV2Scans
		v.Counts = datamodel.EngineVerdictCounts{
			Harmless:   count(doc["clean"]),
			Malicious:  count(doc["malicious"]),
			Suspicious: count(doc["suspicious"]),
		}
		switch scans := doc["scans"].(type) {
		case object:
			v.EngineTotal = uint(len(scans))
			v.Detections = v2Detections(scans)
		default:
			v.EngineTotal = count(scans)
		}
		if len(v.Detections) == 0 {
			v.Detections = detections(doc)
		}
		return
	}

	return
}

func decodeObject(raw []byte) (doc object, ok bool) {
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

func statsObject(attributes object) (object, bool) {
	for _, key := range []string{"stats", "last_analysis_stats"} {
		if stats, ok := attributes[key].(object); ok {
			return stats, true
		}
	}
	return nil, false
}

func isV2(doc object) bool {
	for _, key := range []string{"scans", "clean", "malicious", "suspicious"} {
		if _, ok := doc[key]; ok {
			return true
		}
	}
	return false
}

// count reads a json number as an engine count. Anything else is 0.
func count(value any) uint {
	f, ok := value.(float64)
	if !ok || f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return uint(f)
}

func detections(attributes object) []datamodel.DetectingEngine {
	var results object
	for _, key := range []string{"last_analysis_results", "results"} {
		if r, ok := attributes[key].(object); ok {
			results = r
			break
		}
	}
	engines := make([]datamodel.DetectingEngine, 0)
	for name, entry := range results {
		e, ok := entry.(object)
		if !ok {
			continue
		}
		category, _ := e["category"].(string)
		if category != categoryMalicious {
			continue
		}
		label, _ := e["result"].(string)
		engines = append(engines, datamodel.DetectingEngine{Name: name, VerdictLabel: label, Category: category})
	}
	return sortEngines(engines)
}

// v2Detections reads per-engine entries of the legacy report, where
// detected engines carry "detected": true.
func v2Detections(scans object) []datamodel.DetectingEngine {
	engines := make([]datamodel.DetectingEngine, 0)
	for name, entry := range scans {
		e, ok := entry.(object)
		if !ok {
			continue
		}
		if detected, _ := e["detected"].(bool); !detected {
			continue
		}
		label, _ := e["result"].(string)
		engines = append(engines, datamodel.DetectingEngine{Name: name, VerdictLabel: label, Category: categoryMalicious})
	}
	return sortEngines(engines)
}

func sortEngines(engines []datamodel.DetectingEngine) []datamodel.DetectingEngine {
	sort.Slice(engines, func(i, j int) bool {
		return engines[i].Name < engines[j].Name
	})
	return engines
}
