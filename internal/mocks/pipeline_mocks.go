package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ebookbot/ebookbot/internal/convert"
)

type FetcherMock struct {
	mock.Mock
}

func (m *FetcherMock) Fetch(ctx context.Context, fileID string) ([]byte, error) {
	args := m.Called(ctx, fileID)

	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

type SenderMock struct {
	mock.Mock
}

func (m *SenderMock) SendDocument(ctx context.Context, chatID int64, replyTo int, path, name string) error {
	args := m.Called(ctx, chatID, replyTo, path, name)
	return args.Error(0)
}

func (m *SenderMock) SendText(ctx context.Context, chatID int64, replyTo int, text string) error {
	args := m.Called(ctx, chatID, replyTo, text)
	return args.Error(0)
}

type ConverterMock struct {
	mock.Mock
}

func (m *ConverterMock) Convert(ctx context.Context, req convert.Request) (*convert.Result, error) {
	args := m.Called(ctx, req)

	res, _ := args.Get(0).(*convert.Result)
	return res, args.Error(1)
}
