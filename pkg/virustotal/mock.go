package virustotal

import (
	"context"
	"io"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
)

type MockClient struct {
	SubmitURLMock   func(ctx context.Context, rawURL string) (datamodel.AnalysisHandle, error)
	SubmitFileMock  func(ctx context.Context, content io.Reader, filename string) (datamodel.AnalysisHandle, error)
	GetAnalysisMock func(ctx context.Context, id string) (datamodel.AnalysisStatus, error)
}

func (m *MockClient) SubmitURL(ctx context.Context, rawURL string) (datamodel.AnalysisHandle, error) {
	if m.SubmitURLMock != nil {
		return m.SubmitURLMock(ctx, rawURL)
	}
	panic("SubmitURL not implemented")
}

func (m *MockClient) SubmitFile(ctx context.Context, content io.Reader, filename string) (datamodel.AnalysisHandle, error) {
	if m.SubmitFileMock != nil {
		return m.SubmitFileMock(ctx, content, filename)
	}
	panic("SubmitFile not implemented")
}

func (m *MockClient) GetAnalysis(ctx context.Context, id string) (datamodel.AnalysisStatus, error) {
	if m.GetAnalysisMock != nil {
		return m.GetAnalysisMock(ctx, id)
	}
	panic("GetAnalysis not implemented")
}
