package verdict

import "github.com/glimps-re/vt-connector/pkg/datamodel"

// SuspiciousThreshold is the highest number of malicious engine votes still
// reported as suspicious.
const SuspiciousThreshold = 3

func Classify(counts datamodel.EngineVerdictCounts) datamodel.Severity {
	switch {
	case counts.Malicious == 0:
		return datamodel.SeverityClean
	case counts.Malicious <= SuspiciousThreshold:
		return datamodel.SeveritySuspicious
	default:
		return datamodel.SeverityMalicious
	}
}

// Degraded reports whether a verdict was built from an unrecognized payload
// and should be treated as low confidence.
func Degraded(v datamodel.Verdict) bool {
	return v.RawPayloadKind == datamodel.PayloadUnknown
}
