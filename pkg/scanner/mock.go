package scanner

import (
	"context"
	"time"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
)

var _ Action = &MockAction{}

type MockAction struct {
	HandleMock func(ctx context.Context, result Result, report *datamodel.Report) error
}

func (m *MockAction) Handle(ctx context.Context, result Result, report *datamodel.Report) error {
	if m.HandleMock != nil {
		return m.HandleMock(ctx, result, report)
	}
	panic("Handle not implemented")
}

var _ Observer = &MockObserver{}

type MockObserver struct {
	ScanCompletedMock func(kind datamodel.ScanKind, severity datamodel.Severity, degraded bool, duration time.Duration)
	ScanFailedMock    func(kind datamodel.ScanKind, errKind ErrorKind)
	PollAttemptMock   func(kind datamodel.ScanKind, status datamodel.PollStatus, failed bool)
}

func (m *MockObserver) ScanCompleted(kind datamodel.ScanKind, severity datamodel.Severity, degraded bool, duration time.Duration) {
	if m.ScanCompletedMock != nil {
		m.ScanCompletedMock(kind, severity, degraded, duration)
		return
	}
	panic("ScanCompleted not implemented")
}

func (m *MockObserver) ScanFailed(kind datamodel.ScanKind, errKind ErrorKind) {
	if m.ScanFailedMock != nil {
		m.ScanFailedMock(kind, errKind)
		return
	}
	panic("ScanFailed not implemented")
}

func (m *MockObserver) PollAttempt(kind datamodel.ScanKind, status datamodel.PollStatus, failed bool) {
	if m.PollAttemptMock != nil {
		m.PollAttemptMock(kind, status, failed)
		return
	}
	panic("PollAttempt not implemented")
}
