package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/hostwatch-io/zbx-alert-gateway/pkg/models"
	"github.com/hostwatch-io/zbx-alert-gateway/pkg/zabbix"
)

// MockSourceClient is a mock implementation of the zabbix.SourceClient interface
type MockSourceClient struct {
	mock.Mock
}

// Ensure MockSourceClient implements zabbix.SourceClient
var _ zabbix.SourceClient = (*MockSourceClient)(nil)

func (m *MockSourceClient) FetchProblems(ctx context.Context, cursor zabbix.Cursor) ([]models.RawEvent, zabbix.Cursor, error) {
	args := m.Called(ctx, cursor)
	return args.Get(0).([]models.RawEvent), args.Get(1).(zabbix.Cursor), args.Error(2)
}

func (m *MockSourceClient) AcknowledgeEvent(ctx context.Context, eventID string, message string) error {
	args := m.Called(ctx, eventID, message)
	return args.Error(0)
}

func (m *MockSourceClient) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
