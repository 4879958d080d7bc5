package history

import "context"

var _ Store = &MockStore{}

type MockStore struct {
	SetMock    func(ctx context.Context, entry *Entry) error
	GetMock    func(ctx context.Context, id string) (*Entry, error)
	ListMock   func(ctx context.Context, limit, offset int) ([]Entry, error)
	DeleteMock func(ctx context.Context, id string) error
	StatsMock  func(ctx context.Context) (Stats, error)
	CloseMock  func() error
}

func (m *MockStore) Set(ctx context.Context, entry *Entry) error {
	if m.SetMock != nil {
		return m.SetMock(ctx, entry)
	}
	panic("Set not implemented")
}

func (m *MockStore) Get(ctx context.Context, id string) (*Entry, error) {
	if m.GetMock != nil {
		return m.GetMock(ctx, id)
	}
	panic("Get not implemented")
}

func (m *MockStore) List(ctx context.Context, limit, offset int) ([]Entry, error) {
	if m.ListMock != nil {
		return m.ListMock(ctx, limit, offset)
	}
	panic("List not implemented")
}

func (m *MockStore) Delete(ctx context.Context, id string) error {
	if m.DeleteMock != nil {
		return m.DeleteMock(ctx, id)
	}
	panic("Delete not implemented")
}

func (m *MockStore) Stats(ctx context.Context) (Stats, error) {
	if m.StatsMock != nil {
		return m.StatsMock(ctx)
	}
	panic("Stats not implemented")
}

func (m *MockStore) Close() error {
	if m.CloseMock != nil {
		return m.CloseMock()
	}
	panic("Close not implemented")
}
