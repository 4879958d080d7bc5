package server

import (
	"context"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
	"github.com/glimps-re/vt-connector/pkg/scanner"
)

type ScannerMock struct {
	ScanMock   func(ctx context.Context, req datamodel.ScanRequest) (scanner.Result, error)
	ResumeMock func(ctx context.Context, handle datamodel.AnalysisHandle) (scanner.Result, error)
}

func (m *ScannerMock) Scan(ctx context.Context, req datamodel.ScanRequest) (scanner.Result, error) {
	if m.ScanMock != nil {
		return m.ScanMock(ctx, req)
	}
	panic("ScannerMock.Scan() not implemented in current test")
}

func (m *ScannerMock) Resume(ctx context.Context, handle datamodel.AnalysisHandle) (scanner.Result, error) {
	if m.ResumeMock != nil {
		return m.ResumeMock(ctx, handle)
	}
	panic("ScannerMock.Resume() not implemented in current test")
}
