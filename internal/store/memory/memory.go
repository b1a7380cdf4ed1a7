// Package memory — хранилище в памяти для тестов и локального запуска без БД.
// Реализует tags.Store, points.Store, shop.Store и db.Transactor.
//
// Единицы работы выполняются строго по одной: это заменяет блокировки строк.
// При ошибке внутри WithinTx состояние восстанавливается из снимка.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/db"
	"serotonyl.ru/points-ledger/internal/features/points"
	"serotonyl.ru/points-ledger/internal/features/shop"
	"serotonyl.ru/points-ledger/internal/features/tags"
)

type sourceRow struct {
	src    points.Source
	tagIDs []int64
}

type itemRow struct {
	item   shop.Item
	tagIDs []int64
}

type state struct {
	seq         int64
	tags        map[int64]tags.Tag
	sources     map[int64]sourceRow
	txs         []points.Transaction
	items       map[int64]itemRow
	redemptions []shop.Redemption
}

func (s state) clone() state {
	return state{
		seq:         s.seq,
		tags:        maps.Clone(s.tags),
		sources:     maps.Clone(s.sources),
		txs:         slices.Clone(s.txs),
		items:       maps.Clone(s.items),
		redemptions: slices.Clone(s.redemptions),
	}
}

// Store — всё хранилище целиком.
type Store struct {
	txMu sync.Mutex // Одна единица работы за раз
	mu   sync.Mutex // Защищает st
	st   state
	now  func() time.Time
}

// Option настраивает Store.
type Option func(*Store)

// WithClock подменяет источник времени created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		st: state{
			tags:    make(map[int64]tags.Tag),
			sources: make(map[int64]sourceRow),
			items:   make(map[int64]itemRow),
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type unitMarker struct{ s *Store }

func (s *Store) inUnit(ctx context.Context) bool {
	u := db.FromContext(ctx)
	if u == nil {
		return false
	}
	m, ok := u.Tx().(unitMarker)
	return ok && m.s == s
}

// WithinTx выполняет fn атомарно. Вложенный вызов присоединяется к внешнему.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inUnit(ctx) {
		return fn(ctx)
	}

	txCtx, unit := db.Begin(ctx, unitMarker{s})
	if err := s.run(txCtx, fn); err != nil {
		return err
	}
	// Хуки после коммита выполняются уже без txMu и могут открывать новые единицы.
	unit.Committed()
	return nil
}

// run держит txMu на время fn. Ошибка или паника возвращают снимок состояния.
func (s *Store) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	rollback := func() {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
	}
	defer func() {
		if r := recover(); r != nil {
			rollback()
			panic(r)
		}
	}()

	if err = fn(ctx); err != nil {
		rollback()
	}
	return err
}

// write выполняет изменение. Вне единицы работы оно не должно вклиниться в чужую.
func (s *Store) write(ctx context.Context, fn func() error) error {
	if !s.inUnit(ctx) {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *Store) read(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *Store) nextID() int64 {
	s.st.seq++
	return s.st.seq
}

// ---- tags.Store ----

func (s *Store) FindTag(_ context.Context, nameOrSlug string) (*tags.Tag, error) {
	var found *tags.Tag
	s.read(func() {
		for _, t := range s.st.tags {
			if t.Slug != nameOrSlug && t.Name != nameOrSlug {
				continue
			}
			if found == nil || t.ID < found.ID {
				found = &t
			}
		}
	})
	if found == nil {
		return nil, fmt.Errorf("%w: %q", common.ErrTagNotFound, nameOrSlug)
	}
	return found, nil
}

func (s *Store) GetOrCreateTag(ctx context.Context, name, slug string) (*tags.Tag, error) {
	var out tags.Tag
	err := s.write(ctx, func() error {
		if t, ok := s.tagByName(name); ok {
			out = t
			return nil
		}
		out = tags.Tag{ID: s.nextID(), Name: name, Slug: slug, CreatedAt: s.now()}
		s.st.tags[out.ID] = out
		return nil
	})
	return &out, err
}

func (s *Store) CreateTag(ctx context.Context, t *tags.Tag) error {
	return s.write(ctx, func() error {
		if _, ok := s.tagByName(t.Name); ok {
			return fmt.Errorf("%w: %q", common.ErrTagExists, t.Name)
		}
		t.ID = s.nextID()
		t.CreatedAt = s.now()
		s.st.tags[t.ID] = *t
		return nil
	})
}

func (s *Store) ListTags(_ context.Context) ([]*tags.Tag, error) {
	var out []*tags.Tag
	s.read(func() {
		for _, t := range s.st.tags {
			out = append(out, &t)
		}
	})
	slices.SortFunc(out, func(a, b *tags.Tag) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) tagByName(name string) (tags.Tag, bool) {
	for _, t := range s.st.tags {
		if t.Name == name {
			return t, true
		}
	}
	return tags.Tag{}, false
}

func (s *Store) tagsOf(ids []int64) []*tags.Tag {
	out := make([]*tags.Tag, 0, len(ids))
	for _, id := range ids {
		t := s.st.tags[id]
		out = append(out, &t)
	}
	return out
}

// ---- points.Store ----

func (s *Store) InsertSource(ctx context.Context, src *points.Source) error {
	return s.write(ctx, func() error {
		if src.InitialPoints <= 0 || src.RemainingPoints < 0 || src.RemainingPoints > src.InitialPoints {
			return fmt.Errorf("источник нарушает границы: initial=%d remaining=%d", src.InitialPoints, src.RemainingPoints)
		}
		src.ID = s.nextID()
		src.CreatedAt = s.now()

		row := sourceRow{src: *src}
		row.src.Tags = nil
		for _, t := range src.Tags {
			if !slices.Contains(row.tagIDs, t.ID) {
				row.tagIDs = append(row.tagIDs, t.ID)
			}
		}
		s.st.sources[src.ID] = row
		return nil
	})
}

func (s *Store) InsertTransaction(ctx context.Context, tx *points.Transaction) error {
	return s.write(ctx, func() error {
		if tx.Points == 0 {
			return fmt.Errorf("транзакция с нулевой суммой")
		}
		for _, id := range tx.ConsumedSourceIDs {
			if _, ok := s.st.sources[id]; !ok {
				return fmt.Errorf("%w: id=%d", common.ErrSourceNotFound, id)
			}
		}
		tx.ID = s.nextID()
		tx.CreatedAt = s.now()

		row := *tx
		row.ConsumedSourceIDs = slices.Clone(tx.ConsumedSourceIDs)
		s.st.txs = append(s.st.txs, row)
		return nil
	})
}

func (s *Store) LockAvailableSources(_ context.Context, userID int64) ([]*points.Source, error) {
	return s.selectSources(func(r sourceRow) bool {
		return r.src.UserID == userID && r.src.RemainingPoints > 0
	}, false), nil
}

func (s *Store) LockTierSources(_ context.Context, userID int64, tier points.Tier, exclude []int64) ([]*points.Source, error) {
	return s.selectSources(func(r sourceRow) bool {
		if r.src.UserID != userID || r.src.RemainingPoints <= 0 || slices.Contains(exclude, r.src.ID) {
			return false
		}
		switch tier.Kind {
		case points.TierPriority:
			return slices.ContainsFunc(r.tagIDs, func(id int64) bool { return s.st.tags[id].Name == tier.TagName })
		case points.TierDefault:
			return slices.ContainsFunc(r.tagIDs, func(id int64) bool { return s.st.tags[id].IsDefault })
		default:
			return true
		}
	}, false), nil
}

func (s *Store) DeductSource(ctx context.Context, sourceID, amount int64) (int64, error) {
	var remaining int64
	err := s.write(ctx, func() error {
		row, ok := s.st.sources[sourceID]
		if !ok || amount <= 0 || row.src.RemainingPoints < amount {
			return fmt.Errorf("%w: источник %d не покрывает списание %d", common.ErrLedgerInconsistent, sourceID, amount)
		}
		row.src.RemainingPoints -= amount
		s.st.sources[sourceID] = row
		remaining = row.src.RemainingPoints
		return nil
	})
	return remaining, err
}

func (s *Store) SumRemaining(_ context.Context, userID int64) (int64, error) {
	var total int64
	s.read(func() {
		for _, r := range s.st.sources {
			if r.src.UserID == userID {
				total += r.src.RemainingPoints
			}
		}
	})
	return total, nil
}

func (s *Store) BalanceByTag(_ context.Context, userID int64) ([]points.TagBalance, error) {
	byTag := make(map[int64]*points.TagBalance)
	s.read(func() {
		for _, r := range s.st.sources {
			if r.src.UserID != userID || r.src.RemainingPoints <= 0 {
				continue
			}
			for _, id := range r.tagIDs {
				b, ok := byTag[id]
				if !ok {
					t := s.st.tags[id]
					b = &points.TagBalance{TagID: t.ID, Name: t.Name, Slug: t.Slug}
					byTag[id] = b
				}
				b.Points += r.src.RemainingPoints
			}
		}
	})

	out := make([]points.TagBalance, 0, len(byTag))
	for _, b := range byTag {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b points.TagBalance) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) ListActiveSources(_ context.Context, userID int64) ([]*points.Source, error) {
	return s.selectSources(func(r sourceRow) bool {
		return r.src.UserID == userID && r.src.RemainingPoints > 0
	}, true), nil
}

func (s *Store) CountTransactions(_ context.Context, userID int64) (int64, error) {
	var n int64
	s.read(func() {
		for _, t := range s.st.txs {
			if t.UserID == userID {
				n++
			}
		}
	})
	return n, nil
}

func (s *Store) ListTransactions(_ context.Context, userID int64, limit, offset int) ([]*points.Transaction, error) {
	var all []*points.Transaction
	s.read(func() {
		for _, t := range s.st.txs {
			if t.UserID == userID {
				t.ConsumedSourceIDs = slices.Clone(t.ConsumedSourceIDs)
				all = append(all, &t)
			}
		}
	})
	slices.SortFunc(all, func(a, b *points.Transaction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

func (s *Store) ReconcileBalances(_ context.Context) ([]points.Discrepancy, error) {
	remaining := make(map[int64]int64)
	journal := make(map[int64]int64)
	var bounds []points.Discrepancy

	s.read(func() {
		for _, r := range s.st.sources {
			remaining[r.src.UserID] += r.src.RemainingPoints
			if r.src.RemainingPoints < 0 || r.src.RemainingPoints > r.src.InitialPoints {
				bounds = append(bounds, points.Discrepancy{
					Kind:     points.DiscrepancyBounds,
					UserID:   r.src.UserID,
					SourceID: r.src.ID,
					Expected: r.src.InitialPoints,
					Actual:   r.src.RemainingPoints,
				})
			}
		}
		for _, t := range s.st.txs {
			journal[t.UserID] += t.Points
		}
	})

	users := slices.Sorted(maps.Keys(remaining))
	for uid := range journal {
		if _, ok := remaining[uid]; !ok {
			users = append(users, uid)
		}
	}
	slices.Sort(users)

	var out []points.Discrepancy
	for _, uid := range users {
		if remaining[uid] != journal[uid] {
			out = append(out, points.Discrepancy{
				Kind:     points.DiscrepancyBalance,
				UserID:   uid,
				Expected: journal[uid],
				Actual:   remaining[uid],
			})
		}
	}
	slices.SortFunc(bounds, func(a, b points.Discrepancy) int { return cmp.Compare(a.SourceID, b.SourceID) })
	return append(out, bounds...), nil
}

// CorruptSource напрямую меняет остаток источника в обход леджера.
// Нужен для проверки сверки.
func (s *Store) CorruptSource(sourceID, remaining int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.st.sources[sourceID]
	row.src.RemainingPoints = remaining
	s.st.sources[sourceID] = row
}

// Source возвращает копию источника по id без фильтра по остатку.
func (s *Store) Source(id int64) (*points.Source, bool) {
	var out *points.Source
	s.read(func() {
		row, ok := s.st.sources[id]
		if !ok {
			return
		}
		src := row.src
		src.Tags = s.tagsOf(row.tagIDs)
		out = &src
	})
	return out, out != nil
}

// selectSources возвращает копии подходящих источников: FIFO или новые первыми.
func (s *Store) selectSources(match func(sourceRow) bool, newestFirst bool) []*points.Source {
	var out []*points.Source
	s.read(func() {
		for _, r := range s.st.sources {
			if !match(r) {
				continue
			}
			src := r.src
			src.Tags = s.tagsOf(r.tagIDs)
			out = append(out, &src)
		}
	})
	slices.SortFunc(out, func(a, b *points.Source) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if newestFirst {
			return -c
		}
		return c
	})
	return out
}

// ---- shop.Store ----

func (s *Store) GetItem(_ context.Context, id int64) (*shop.Item, error) {
	var out *shop.Item
	s.read(func() {
		if row, ok := s.st.items[id]; ok {
			out = s.itemOf(row)
		}
	})
	if out == nil {
		return nil, fmt.Errorf("%w: id=%d", common.ErrItemNotFound, id)
	}
	return out, nil
}

func (s *Store) InsertItem(ctx context.Context, item *shop.Item) error {
	return s.write(ctx, func() error {
		if item.Cost <= 0 || (item.Stock != nil && *item.Stock < 0) {
			return fmt.Errorf("%w: стоимость %d", common.ErrInvalidItem, item.Cost)
		}
		now := s.now()
		item.ID = s.nextID()
		item.CreatedAt = now
		item.UpdatedAt = now

		row := itemRow{item: *item}
		row.item.AllowedTags = nil
		row.item.Stock = clonePtr(item.Stock)
		for _, t := range item.AllowedTags {
			row.tagIDs = append(row.tagIDs, t.ID)
		}
		s.st.items[item.ID] = row
		return nil
	})
}

func (s *Store) ListItems(_ context.Context, activeOnly bool) ([]*shop.Item, error) {
	var out []*shop.Item
	s.read(func() {
		for _, row := range s.st.items {
			if activeOnly && !row.item.IsActive {
				continue
			}
			out = append(out, s.itemOf(row))
		}
	})
	slices.SortFunc(out, func(a, b *shop.Item) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) SetItemActive(ctx context.Context, id int64, active bool) error {
	return s.write(ctx, func() error {
		row, ok := s.st.items[id]
		if !ok {
			return fmt.Errorf("%w: id=%d", common.ErrItemNotFound, id)
		}
		row.item.IsActive = active
		row.item.UpdatedAt = s.now()
		s.st.items[id] = row
		return nil
	})
}

func (s *Store) DecrementStock(ctx context.Context, id int64) (int64, error) {
	var left int64
	err := s.write(ctx, func() error {
		row, ok := s.st.items[id]
		if !ok || row.item.Stock == nil || *row.item.Stock <= 0 {
			return fmt.Errorf("%w: id=%d", common.ErrOutOfStock, id)
		}
		left = *row.item.Stock - 1
		row.item.Stock = &left
		row.item.UpdatedAt = s.now()
		s.st.items[id] = row
		return nil
	})
	return left, err
}

func (s *Store) AdjustStock(ctx context.Context, id int64, delta int64) (*shop.Item, error) {
	var out *shop.Item
	err := s.write(ctx, func() error {
		row, ok := s.st.items[id]
		if !ok {
			return fmt.Errorf("%w: id=%d", common.ErrItemNotFound, id)
		}
		if row.item.Stock != nil {
			next := *row.item.Stock + delta
			if next < 0 {
				return fmt.Errorf("%w: остаток не может стать отрицательным", common.ErrInvalidItem)
			}
			row.item.Stock = &next
			row.item.UpdatedAt = s.now()
			s.st.items[id] = row
		}
		out = s.itemOf(row)
		return nil
	})
	return out, err
}

func (s *Store) InsertRedemption(ctx context.Context, r *shop.Redemption) error {
	return s.write(ctx, func() error {
		if _, ok := s.st.items[r.ItemID]; !ok {
			return fmt.Errorf("%w: id=%d", common.ErrItemNotFound, r.ItemID)
		}
		r.ID = s.nextID()
		r.CreatedAt = s.now()
		s.st.redemptions = append(s.st.redemptions, *r)
		return nil
	})
}

func (s *Store) ListRedemptions(_ context.Context, userID int64) ([]*shop.Redemption, error) {
	var out []*shop.Redemption
	s.read(func() {
		for _, r := range s.st.redemptions {
			if r.UserID != userID {
				continue
			}
			r.ItemName = s.st.items[r.ItemID].item.Name
			out = append(out, &r)
		}
	})
	slices.SortFunc(out, func(a, b *shop.Redemption) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

// RedemptionCount — общее число выкупов.
func (s *Store) RedemptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.redemptions)
}

func (s *Store) itemOf(row itemRow) *shop.Item {
	it := row.item
	it.Stock = clonePtr(row.item.Stock)
	it.AllowedTags = s.tagsOf(row.tagIDs)
	return &it
}

func clonePtr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
