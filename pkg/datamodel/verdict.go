package datamodel

type EngineVerdictCounts struct {
	Harmless   uint `json:"harmless"`
	Malicious  uint `json:"malicious"`
	Suspicious uint `json:"suspicious"`
	Undetected uint `json:"undetected"`
	Timeout    uint `json:"timeout"`
}

// Total is the number of engines that took part in the analysis.
func (c EngineVerdictCounts) Total() uint {
	return c.Harmless + c.Malicious + c.Suspicious + c.Undetected + c.Timeout
}

type DetectingEngine struct {
	Name         string `json:"name"`
	VerdictLabel string `json:"verdictLabel"`
	Category     string `json:"category"`
}

type RawPayloadKind string

const (
	PayloadV2Scans RawPayloadKind = "v2-scans"
	PayloadV3Stats RawPayloadKind = "v3-stats"
	PayloadUnknown RawPayloadKind = "unknown"
)

// Verdict is the normalized outcome of one analysis. Detections are sorted by
// engine name.
type Verdict struct {
	Counts         EngineVerdictCounts `json:"counts"`
	Detections     []DetectingEngine   `json:"detections"`
	RawPayloadKind RawPayloadKind      `json:"rawPayloadKind"`
	EngineTotal    uint                `json:"engineTotal"`
	Opaque         string              `json:"opaque,omitempty"`
}

type Severity string

const (
	SeverityClean      Severity = "clean"
	SeveritySuspicious Severity = "suspicious"
	SeverityMalicious  Severity = "malicious"
)
