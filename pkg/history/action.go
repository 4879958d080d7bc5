package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/glimps-re/vt-connector/pkg/scanner"
)

// Action records every finished scan in a Store.
type Action struct {
	store Store
}

var _ scanner.Action = &Action{}

func NewAction(store Store) *Action {
	return &Action{store: store}
}

func (a *Action) Handle(ctx context.Context, result scanner.Result, report *datamodel.Report) (err error) {
	entry, err := NewEntry(*report)
	if err != nil {
		return
	}
	if err = a.store.Set(ctx, &entry); err != nil {
		err = fmt.Errorf("could not save scan %s in history: %w", report.ID, err)
	}
	return
}

type engineResult struct {
	Category string `json:"category"`
	Result   string `json:"result"`
}

type resultDocument struct {
	Stats   datamodel.EngineVerdictCounts `json:"stats"`
	Results map[string]engineResult       `json:"results"`
}

// NewEntry builds the history entry of a report. The verdict is stored with
// the attribute layout of a provider analysis so it is decoded the same way,
// its payload kind is kept aside.
func NewEntry(report datamodel.Report) (entry Entry, err error) {
	doc := resultDocument{Stats: report.Counts, Results: make(map[string]engineResult, len(report.Detections))}
	for _, d := range report.Detections {
		doc.Results[d.Name] = engineResult{Category: d.Category, Result: d.VerdictLabel}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return
	}
	entry = Entry{
		ID:          report.ID,
		Kind:        report.Kind,
		Target:      report.Target,
		SHA256:      report.SHA256,
		AnalysisID:  report.AnalysisID,
		Severity:    report.Severity,
		Malicious:   report.Counts.Malicious,
		EngineTotal: report.EngineTotal,
		Degraded:    report.Degraded,
		Result:      string(raw),
		CreatedAt:   report.CompletedAt,

		RawPayloadKind: report.RawPayloadKind,
		Opaque:         report.Opaque,
	}
	return
}
