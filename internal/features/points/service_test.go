package points_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/features/points"
	"serotonyl.ru/points-ledger/internal/features/tags"
	"serotonyl.ru/points-ledger/internal/store/memory"
)

const user = int64(42)

type fixture struct {
	store *memory.Store
	tags  *tags.Registry
	svc   *points.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	reg := tags.NewRegistry(st)
	return &fixture{
		store: st,
		tags:  reg,
		svc:   points.NewService(st, st, reg),
	}
}

func (f *fixture) grant(t *testing.T, amount int64, tagNames ...string) *points.Source {
	t.Helper()
	src, err := f.svc.Grant(context.Background(), user, amount, "test", tagNames)
	require.NoError(t, err)
	return f.source(t, src.ID)
}

// source перечитывает источник, в том числе исчерпанный.
func (f *fixture) source(t *testing.T, id int64) *points.Source {
	t.Helper()
	src, ok := f.store.Source(id)
	require.True(t, ok, "источник %d не найден", id)
	return src
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.svc.Balance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func (f *fixture) history(t *testing.T) []*points.Transaction {
	t.Helper()
	page, err := f.svc.History(context.Background(), user, 1, 1000)
	require.NoError(t, err)
	return page.Items
}

func TestGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src, err := f.svc.Grant(ctx, user, 100, "welcome", []string{"t1", "t2"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), src.InitialPoints)
	assert.Equal(t, int64(100), src.RemainingPoints)
	assert.False(t, src.IsWithdrawable)
	require.Len(t, src.Tags, 2)
	assert.Equal(t, "t1", src.Tags[0].Name)
	assert.Equal(t, "t2", src.Tags[1].Name)

	assert.Equal(t, int64(100), f.balance(t))

	list, err := f.tags.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	active, err := f.svc.ActiveSources(ctx, user)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Len(t, active[0].Tags, 2)

	txs := f.history(t)
	require.Len(t, txs, 1)
	assert.Equal(t, points.TxEarn, txs[0].Type)
	assert.Equal(t, int64(100), txs[0].Points)
	assert.Equal(t, "welcome", txs[0].Description)
	assert.Empty(t, txs[0].ConsumedSourceIDs)
}

func TestGrantWithdrawable(t *testing.T) {
	f := newFixture(t)

	src, err := f.svc.Grant(context.Background(), user, 10, "cashback", nil, points.Withdrawable())
	require.NoError(t, err)
	assert.True(t, src.IsWithdrawable)
}

func TestGrantInvalidAmount(t *testing.T) {
	f := newFixture(t)

	for _, amount := range []int64{0, -5} {
		_, err := f.svc.Grant(context.Background(), user, amount, "bad", []string{"t"})
		assert.ErrorIs(t, err, common.ErrInvalidAmount)
	}

	assert.Zero(t, f.balance(t))
	assert.Empty(t, f.history(t))
	list, err := f.tags.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list, "теги не создаются для отклонённого начисления")
}

func TestSpendInvalidAmount(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 10)

	_, err := f.svc.Spend(context.Background(), user, 0, "bad", "")
	assert.ErrorIs(t, err, common.ErrInvalidAmount)
	assert.Equal(t, int64(10), f.balance(t))
}

func TestSpendInsufficientLeavesBalance(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 50)

	_, err := f.svc.Spend(context.Background(), user, 100, "too much", "")
	require.ErrorIs(t, err, common.ErrInsufficientPoints)

	var insufficient *common.InsufficientPointsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(50), insufficient.Balance)
	assert.Equal(t, int64(100), insufficient.Requested)

	assert.Equal(t, int64(50), f.balance(t))
	assert.Len(t, f.history(t), 1, "неудачное списание не пишет журнал")
}

func TestSpendPriorityTier(t *testing.T) {
	f := newFixture(t)
	premium := f.grant(t, 100, "premium")

	tx, err := f.svc.Spend(context.Background(), user, 60, "buy", "premium")
	require.NoError(t, err)

	assert.Equal(t, []int64{premium.ID}, tx.ConsumedSourceIDs)
	assert.Equal(t, int64(40), f.source(t, premium.ID).RemainingPoints)
	assert.Equal(t, int64(40), f.balance(t))
}

func TestSpendPriorityBeforeOlderSources(t *testing.T) {
	f := newFixture(t)
	old := f.grant(t, 100)
	premium := f.grant(t, 100, "premium")

	tx, err := f.svc.Spend(context.Background(), user, 120, "buy", "premium")
	require.NoError(t, err)

	assert.Equal(t, []int64{premium.ID, old.ID}, tx.ConsumedSourceIDs)
	assert.Zero(t, f.source(t, premium.ID).RemainingPoints)
	assert.Equal(t, int64(80), f.source(t, old.ID).RemainingPoints)
}

func TestSpendFallbackTier(t *testing.T) {
	f := newFixture(t)
	a := f.grant(t, 50, "a")
	plain := f.grant(t, 50)

	tx, err := f.svc.Spend(context.Background(), user, 80, "buy", "")
	require.NoError(t, err)

	assert.Equal(t, int64(20), f.balance(t))
	assert.Equal(t, []int64{a.ID, plain.ID}, tx.ConsumedSourceIDs, "FIFO: старший источник первым")
	assert.Zero(t, f.source(t, a.ID).RemainingPoints)
	assert.Equal(t, int64(20), f.source(t, plain.ID).RemainingPoints)
}

func TestSpendDefaultTierBeforeFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.tags.Create(ctx, tags.Spec{Name: "general", IsDefault: true})
	require.NoError(t, err)

	plain := f.grant(t, 30)
	general := f.grant(t, 30, "general")

	tx, err := f.svc.Spend(ctx, user, 40, "buy", "")
	require.NoError(t, err)

	assert.Equal(t, []int64{general.ID, plain.ID}, tx.ConsumedSourceIDs)
	assert.Zero(t, f.source(t, general.ID).RemainingPoints)
	assert.Equal(t, int64(20), f.source(t, plain.ID).RemainingPoints)
}

func TestSpendSourceInSeveralTiersTouchedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.tags.Create(ctx, tags.Spec{Name: "general", IsDefault: true})
	require.NoError(t, err)

	both := f.grant(t, 30, "premium", "general")
	plain := f.grant(t, 30)

	tx, err := f.svc.Spend(ctx, user, 50, "buy", "premium")
	require.NoError(t, err)

	assert.Equal(t, []int64{both.ID, plain.ID}, tx.ConsumedSourceIDs)
	assert.Equal(t, int64(10), f.balance(t))
}

func TestSpendUnknownPriorityTagFallsThrough(t *testing.T) {
	f := newFixture(t)
	src := f.grant(t, 30, "a")

	tx, err := f.svc.Spend(context.Background(), user, 10, "buy", "missing")
	require.NoError(t, err)
	assert.Equal(t, []int64{src.ID}, tx.ConsumedSourceIDs)
}

func TestSpendIsDeterministic(t *testing.T) {
	run := func() []int64 {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.tags.Create(ctx, tags.Spec{Name: "general", IsDefault: true})
		require.NoError(t, err)
		f.grant(t, 10)
		f.grant(t, 10, "general")
		f.grant(t, 10, "vip")
		f.grant(t, 10, "general", "vip")
		tx, err := f.svc.Spend(ctx, user, 35, "buy", "vip")
		require.NoError(t, err)
		return tx.ConsumedSourceIDs
	}

	first := run()
	assert.Len(t, first, 4)
	assert.Equal(t, first, run())
}

func TestLedgerAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, 70, "a")
	f.grant(t, 30, "b")

	for _, amount := range []int64{10, 25, 40} {
		tx, err := f.svc.Spend(ctx, user, amount, "buy", "b")
		require.NoError(t, err)
		assert.Equal(t, -amount, tx.Points)
		assert.Equal(t, points.TxSpend, tx.Type)
		assert.NotEmpty(t, tx.ConsumedSourceIDs)
	}

	var earn, spend int
	var journal int64
	for _, tx := range f.history(t) {
		journal += tx.Points
		switch tx.Type {
		case points.TxEarn:
			earn++
		case points.TxSpend:
			spend++
		}
	}
	assert.Equal(t, 2, earn)
	assert.Equal(t, 3, spend)
	assert.Equal(t, f.balance(t), journal, "баланс равен сумме журнала")
	assert.Equal(t, int64(25), journal)

	found, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestConcurrentSpendsNoOverdraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var sources []*points.Source
	for range 10 {
		sources = append(sources, f.grant(t, 10))
	}

	const spenders = 20
	txs := make([]*points.Transaction, spenders)
	var g errgroup.Group
	for i := range spenders {
		g.Go(func() error {
			tx, err := f.svc.Spend(ctx, user, 5, "parallel", "")
			txs[i] = tx
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Zero(t, f.balance(t))
	for _, s := range sources {
		assert.Zero(t, f.source(t, s.ID).RemainingPoints)
	}

	var spent int64
	for _, tx := range txs {
		spent -= tx.Points
	}
	assert.Equal(t, int64(100), spent)

	_, err := f.svc.Spend(ctx, user, 1, "one more", "")
	assert.ErrorIs(t, err, common.ErrInsufficientPoints)
}

// brokenTiers не отдаёт источники ни на одном уровне, имитируя рассинхрон блокировок.
type brokenTiers struct {
	*memory.Store
}

func (brokenTiers) LockTierSources(context.Context, int64, points.Tier, []int64) ([]*points.Source, error) {
	return nil, nil
}

func TestSpendInconsistencyIsFatal(t *testing.T) {
	st := memory.New()
	reg := tags.NewRegistry(st)
	svc := points.NewService(st, brokenTiers{st}, reg)
	ctx := context.Background()

	_, err := svc.Grant(ctx, user, 50, "x", nil)
	require.NoError(t, err)

	_, err = svc.Spend(ctx, user, 20, "buy", "")
	require.ErrorIs(t, err, common.ErrLedgerInconsistent)
	assert.False(t, common.IsClientError(err))

	b, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(50), b)
	n, err := st.CountTransactions(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// failingJournal падает при записи операции типа failOn,
// когда остальные изменения в транзакции уже сделаны.
type failingJournal struct {
	*memory.Store
	failOn points.TransactionType
}

func (s failingJournal) InsertTransaction(ctx context.Context, tx *points.Transaction) error {
	if tx.Type == s.failOn {
		return errors.New("диск переполнен")
	}
	return s.Store.InsertTransaction(ctx, tx)
}

func TestSpendRollsBackOnJournalFailure(t *testing.T) {
	st := memory.New()
	reg := tags.NewRegistry(st)
	svc := points.NewService(st, failingJournal{Store: st, failOn: points.TxSpend}, reg)
	ctx := context.Background()

	_, err := svc.Grant(ctx, user, 50, "x", nil)
	require.NoError(t, err)

	_, err = svc.Spend(ctx, user, 20, "buy", "")
	require.Error(t, err)

	b, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(50), b, "списание с источников откатано")
}

func TestGrantRollsBackOnJournalFailure(t *testing.T) {
	st := memory.New()
	reg := tags.NewRegistry(st)
	svc := points.NewService(st, failingJournal{Store: st, failOn: points.TxEarn}, reg)
	ctx := context.Background()

	_, err := svc.Grant(ctx, user, 50, "welcome", []string{"fresh"})
	require.Error(t, err)

	b, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, b)

	active, err := svc.ActiveSources(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, active, "источник без записи EARN не сохраняется")

	list, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "тег, созданный в откатившемся начислении, не сохраняется")

	n, err := st.CountTransactions(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBalanceByTag(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 100, "a", "b")
	f.grant(t, 50, "b")
	f.grant(t, 10)

	got, err := f.svc.BalanceByTag(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, int64(100), got[0].Points)
	assert.Equal(t, "b", got[1].Name)
	assert.Equal(t, int64(150), got[1].Points)
}

func TestActiveSourcesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.grant(t, 10)
	second := f.grant(t, 10)
	third := f.grant(t, 10)

	_, err := f.svc.Spend(ctx, user, 10, "drain oldest", "")
	require.NoError(t, err)

	active, err := f.svc.ActiveSources(ctx, user)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, third.ID, active[0].ID)
	assert.Equal(t, second.ID, active[1].ID)
	assert.NotEqual(t, first.ID, active[1].ID)
}

func TestHistoryPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := range 5 {
		f.grant(t, int64(i+1))
	}

	page, err := f.svc.History(ctx, user, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(5), page.Items[0].Points, "новые первыми")
	assert.Equal(t, int64(4), page.Items[1].Points)

	last, err := f.svc.History(ctx, user, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, last.Page)
	require.Len(t, last.Items, 1)
	assert.Equal(t, int64(1), last.Items[0].Points)

	first, err := f.svc.History(ctx, user, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Page)

	_, err = f.svc.History(ctx, user, 1, 0)
	assert.Error(t, err)
}

func TestHistoryEmpty(t *testing.T) {
	f := newFixture(t)

	page, err := f.svc.History(context.Background(), user, 3, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 1, page.TotalPages)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Items)
}

// spendDuringSum один раз выполняет spend сразу после подсчёта суммы,
// так что списание фиксируется между чтением баланса и возвратом результата.
type spendDuringSum struct {
	*memory.Store
	once  *sync.Once
	spend func()
}

func (s spendDuringSum) SumRemaining(ctx context.Context, userID int64) (int64, error) {
	sum, err := s.Store.SumRemaining(ctx, userID)
	s.once.Do(s.spend)
	return sum, err
}

func TestBalanceNotStaleAfterConcurrentSpend(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	repo := spendDuringSum{Store: st, once: &sync.Once{}}
	svc := points.NewService(st, repo, tags.NewRegistry(st))
	repo.spend = func() {
		_, err := svc.Spend(ctx, user, 60, "concurrent", "")
		require.NoError(t, err)
	}

	_, err := svc.Grant(ctx, user, 100, "x", nil)
	require.NoError(t, err)

	before, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(100), before, "чтение видит состояние до списания")

	after, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	sum, err := st.SumRemaining(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(40), sum)
	assert.Equal(t, sum, after, "баланс совпадает с суммой остатков сразу после коммита")

	_, err = svc.Grant(ctx, user, 5, "y", nil)
	require.NoError(t, err)
	after, err = svc.Balance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(45), after)
}

func TestReconcileFindsCorruption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.grant(t, 40)

	f.store.CorruptSource(src.ID, 55)

	found, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, found, 2)

	assert.Equal(t, points.DiscrepancyBalance, found[0].Kind)
	assert.Equal(t, user, found[0].UserID)
	assert.Equal(t, int64(40), found[0].Expected)
	assert.Equal(t, int64(55), found[0].Actual)

	assert.Equal(t, points.DiscrepancyBounds, found[1].Kind)
	assert.Equal(t, src.ID, found[1].SourceID)
}
