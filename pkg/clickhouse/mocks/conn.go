// Package mocks provides testify mocks of the ClickHouse driver.
package mocks

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/mock"
)

// MockConn is a mock implementation of driver.Conn. Query methods record
// (ctx, query, args...) so expectations can match on the statement text.
type MockConn struct {
	mock.Mock
}

var _ driver.Conn = (*MockConn)(nil)

// QueryContaining matches a query argument containing every fragment.
func QueryContaining(fragments ...string) any {
	return mock.MatchedBy(func(q string) bool {
		for _, f := range fragments {
			if !strings.Contains(q, f) {
				return false
			}
		}
		return true
	})
}

func (m *MockConn) call(ctx context.Context, query string, args []any) mock.Arguments {
	return m.Called(append([]any{ctx, query}, args...)...)
}

func (m *MockConn) Contributors() []string {
	return m.Called().Get(0).([]string)
}

func (m *MockConn) ServerVersion() (*driver.ServerVersion, error) {
	args := m.Called()
	v, _ := args.Get(0).(*driver.ServerVersion)
	return v, args.Error(1)
}

func (m *MockConn) Select(ctx context.Context, _ any, query string, args ...any) error {
	return m.call(ctx, query, args).Error(0)
}

func (m *MockConn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	res := m.call(ctx, query, args)
	rows, _ := res.Get(0).(driver.Rows)
	return rows, res.Error(1)
}

func (m *MockConn) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	row, _ := m.call(ctx, query, args).Get(0).(driver.Row)
	return row
}

func (m *MockConn) Exec(ctx context.Context, query string, args ...any) error {
	return m.call(ctx, query, args).Error(0)
}

func (m *MockConn) AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error {
	return m.Called(append([]any{ctx, query, wait}, args...)...).Error(0)
}

func (m *MockConn) PrepareBatch(ctx context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	res := m.Called(ctx, query)
	batch, _ := res.Get(0).(driver.Batch)
	return batch, res.Error(1)
}

func (m *MockConn) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockConn) Stats() driver.Stats {
	stats, _ := m.Called().Get(0).(driver.Stats)
	return stats
}

func (m *MockConn) Close() error {
	return m.Called().Error(0)
}

// Row is a driver.Row returning fixed values. A Row without values scans
// as sql.ErrNoRows, like the real driver on an empty result.
type Row struct {
	Values []any
	Error  error
}

var _ driver.Row = Row{}

func (r Row) Err() error {
	return r.Error
}

func (r Row) Scan(dest ...any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Values) == 0 {
		return sql.ErrNoRows
	}
	if len(dest) != len(r.Values) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r.Values))
	}
	for i, v := range r.Values {
		dv := reflect.ValueOf(dest[i])
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("scan: destination %d is not a pointer", i)
		}
		sv := reflect.ValueOf(v)
		if !sv.Type().AssignableTo(dv.Elem().Type()) {
			return fmt.Errorf("scan: cannot assign %T to %s", v, dv.Elem().Type())
		}
		dv.Elem().Set(sv)
	}
	return nil
}

func (r Row) ScanStruct(any) error {
	return fmt.Errorf("scan struct: not supported")
}
