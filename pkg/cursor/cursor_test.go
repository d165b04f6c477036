package cursor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Initialize(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) Read(ctx context.Context, chain string) (uint64, bool, error) {
	args := m.Called(ctx, chain)
	return args.Get(0).(uint64), args.Bool(1), args.Error(2)
}

func (m *mockStore) Write(ctx context.Context, chain string, last uint64) error {
	return m.Called(ctx, chain, last).Error(0)
}

func (m *mockStore) Delete(ctx context.Context, chain string) error {
	return m.Called(ctx, chain).Error(0)
}

func TestCursor_Positions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cursor   Cursor
		wantNext uint64
		wantSet  bool
		covers   []uint64
		notCover []uint64
	}{
		{name: "empty", cursor: Empty("c"), wantNext: 0, notCover: []uint64{0, 1}},
		{name: "at", cursor: At("c", 99), wantNext: 100, wantSet: true, covers: []uint64{0, 99}, notCover: []uint64{100}},
		{name: "before zero", cursor: Before("c", 0), wantNext: 0, notCover: []uint64{0}},
		{name: "before start", cursor: Before("c", 100), wantNext: 100, wantSet: true, covers: []uint64{99}, notCover: []uint64{100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.wantNext, tt.cursor.Next())
			_, set := tt.cursor.Last()
			require.Equal(t, tt.wantSet, set)
			for _, n := range tt.covers {
				require.True(t, tt.cursor.Covers(n), "covers %d", n)
			}
			for _, n := range tt.notCover {
				require.False(t, tt.cursor.Covers(n), "does not cover %d", n)
			}
		})
	}
}

func TestCursor_AdvanceIsMonotonic(t *testing.T) {
	t.Parallel()

	c := Before("mainnet", 100)
	var err error
	for n := uint64(100); n <= 105; n++ {
		c, err = c.Advance(n)
		require.NoError(t, err)
	}
	last, _ := c.Last()
	require.Equal(t, uint64(105), last)

	for _, n := range []uint64{105, 104, 0, 107} {
		same, err := c.Advance(n)
		require.ErrorIs(t, err, ErrOutOfOrder)
		require.Equal(t, c, same)
	}

	c, err = Empty("mainnet").Advance(0)
	require.NoError(t, err)
	require.Equal(t, "mainnet@0", c.String())
}

func TestLoad(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	store.On("Read", mock.Anything, "mainnet").Return(uint64(42), true, nil).Once()
	store.On("Read", mock.Anything, "fuji").Return(uint64(0), false, nil).Once()
	readErr := errors.New("connection refused")
	store.On("Read", mock.Anything, "broken").Return(uint64(0), false, readErr).Once()

	c, ok, err := Load(t.Context(), store, "mainnet")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(43), c.Next())

	c, ok, err = Load(t.Context(), store, "fuji")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, Empty("fuji"), c)

	_, _, err = Load(t.Context(), store, "broken")
	require.ErrorIs(t, err, readErr)
	store.AssertExpectations(t)
}

func TestPersist_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	writeErr := errors.New("write failed")
	store.On("Write", mock.Anything, "mainnet", uint64(7)).Return(writeErr).Twice()
	store.On("Write", mock.Anything, "mainnet", uint64(7)).Return(nil).Once()

	cfg := Config{WriteTimeout: time.Second, MaxRetries: 3, RetryBackoff: time.Millisecond}
	require.NoError(t, Persist(t.Context(), store, cfg, At("mainnet", 7)))
	store.AssertExpectations(t)
}

func TestPersist_ErrorPropagates(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	writeErr := errors.New("write failed")
	store.On("Write", mock.Anything, "mainnet", uint64(1)).Return(writeErr).Times(4) // initial try + 3 retries

	cfg := Config{WriteTimeout: time.Second, MaxRetries: 3, RetryBackoff: time.Millisecond}
	err := Persist(t.Context(), store, cfg, At("mainnet", 1))
	require.ErrorIs(t, err, writeErr)
	store.AssertExpectations(t)
}

func TestPersist_EmptyCursorIsNotWritten(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	require.NoError(t, Persist(t.Context(), store, DefaultConfig(), Empty("mainnet")))
	store.AssertNotCalled(t, "Write", mock.Anything, mock.Anything, mock.Anything)
}

func TestPersist_Canceled(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	ctx, cancel := context.WithCancel(t.Context())
	store.On("Write", mock.Anything, "mainnet", uint64(1)).
		Run(func(mock.Arguments) { cancel() }).
		Return(errors.New("write failed")).Once()

	err := Persist(ctx, store, Config{WriteTimeout: time.Second, MaxRetries: 5, RetryBackoff: time.Hour}, At("mainnet", 1))
	require.ErrorIs(t, err, context.Canceled)
	store.AssertExpectations(t)
}

func TestMemoryStore_NeverMovesBackwards(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := t.Context()
	require.NoError(t, s.Initialize(ctx))

	_, ok, err := s.Read(ctx, "mainnet")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Write(ctx, "mainnet", 10))
	require.NoError(t, s.Write(ctx, "mainnet", 5))
	last, ok, err := s.Read(ctx, "mainnet")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), last)

	require.NoError(t, s.Delete(ctx, "mainnet"))
	_, ok, err = s.Read(ctx, "mainnet")
	require.NoError(t, err)
	require.False(t, ok)
}
