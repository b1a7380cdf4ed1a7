package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/db"
	"serotonyl.ru/points-ledger/internal/features/points"
	"serotonyl.ru/points-ledger/internal/features/shop"
	"serotonyl.ru/points-ledger/internal/store/memory"
)

func TestWithinTxRollsBack(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, st.InsertSource(ctx, &points.Source{UserID: 1, InitialPoints: 10, RemainingPoints: 10}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	sum, err := st.SumRemaining(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestWithinTxPanicRestoresAndUnlocks(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = st.WithinTx(ctx, func(ctx context.Context) error {
			require.NoError(t, st.InsertSource(ctx, &points.Source{UserID: 1, InitialPoints: 10, RemainingPoints: 10}))
			panic("сбой посреди транзакции")
		})
	})

	done := make(chan error, 1)
	go func() {
		done <- st.WithinTx(ctx, func(ctx context.Context) error {
			return st.InsertSource(ctx, &points.Source{UserID: 1, InitialPoints: 5, RemainingPoints: 5})
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("хранилище осталось заблокированным после паники")
	}

	sum, err := st.SumRemaining(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum, "изменения запаниковавшей транзакции откатаны")
}

func TestSourceIncludesExhausted(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	src := &points.Source{UserID: 1, InitialPoints: 10, RemainingPoints: 10}
	require.NoError(t, st.InsertSource(ctx, src))
	_, err := st.DeductSource(ctx, src.ID, 10)
	require.NoError(t, err)

	got, ok := st.Source(src.ID)
	require.True(t, ok)
	assert.Zero(t, got.RemainingPoints)
	assert.Equal(t, int64(10), got.InitialPoints)

	_, ok = st.Source(src.ID + 100)
	assert.False(t, ok)
}

func TestWithinTxNestedJoinsOuter(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	committed := 0
	err := st.WithinTx(ctx, func(ctx context.Context) error {
		db.AfterCommit(ctx, func() { committed++ })
		return st.WithinTx(ctx, func(ctx context.Context) error {
			require.NoError(t, st.InsertSource(ctx, &points.Source{UserID: 1, InitialPoints: 5, RemainingPoints: 5}))
			return errors.New("inner failed")
		})
	})
	require.Error(t, err)
	assert.Zero(t, committed, "хуки не выполняются при откате")

	sum, err := st.SumRemaining(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, sum, "ошибка вложенного вызова откатывает внешний")
}

func TestDeductSourceIsConditional(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	src := &points.Source{UserID: 1, InitialPoints: 10, RemainingPoints: 10}
	require.NoError(t, st.InsertSource(ctx, src))

	left, err := st.DeductSource(ctx, src.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), left)

	_, err = st.DeductSource(ctx, src.ID, 4)
	assert.ErrorIs(t, err, common.ErrLedgerInconsistent)

	sum, err := st.SumRemaining(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum)
}

func TestInsertSourceRejectsBadBounds(t *testing.T) {
	st := memory.New()

	err := st.InsertSource(context.Background(), &points.Source{UserID: 1, InitialPoints: 5, RemainingPoints: 6})
	assert.Error(t, err)
}

func TestDecrementStock(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	one := int64(1)
	item := &shop.Item{Name: "x", Cost: 1, Stock: &one, IsActive: true}
	require.NoError(t, st.InsertItem(ctx, item))

	left, err := st.DecrementStock(ctx, item.ID)
	require.NoError(t, err)
	assert.Zero(t, left)

	_, err = st.DecrementStock(ctx, item.ID)
	assert.ErrorIs(t, err, common.ErrOutOfStock)

	unlimited := &shop.Item{Name: "y", Cost: 1, IsActive: true}
	require.NoError(t, st.InsertItem(ctx, unlimited))
	_, err = st.DecrementStock(ctx, unlimited.ID)
	assert.ErrorIs(t, err, common.ErrOutOfStock, "безлимитный товар не декрементируется")
}

func TestReturnedItemsAreCopies(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	five := int64(5)
	item := &shop.Item{Name: "x", Cost: 1, Stock: &five, IsActive: true}
	require.NoError(t, st.InsertItem(ctx, item))
	five = 0

	got, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), *got.Stock)

	*got.Stock = 100
	again, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), *again.Stock)
}
