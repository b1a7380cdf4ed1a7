// Package tags — service.go: поиск и создание тегов по имени или slug.
package tags

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/points-ledger/internal/cache"
	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/db"
)

// Registry — реестр тегов.
type Registry struct {
	store Store
	cache cache.Cache
	ttl   time.Duration
}

// RegistryOption — настройка реестра.
type RegistryOption func(*Registry)

// WithCache включает кэш поиска тегов.
// Строка тега не меняется после создания, а при совпадении побеждает самый
// старый тег, поэтому найденный ответ для ключа остаётся верным навсегда.
func WithCache(c cache.Cache, ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.cache = c
		r.ttl = ttl
	}
}

func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, cache: cache.Nop{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func lookupKey(nameOrSlug string) string {
	return "tags:lookup:" + nameOrSlug
}

// remember кладёт тег в кэш только после коммита текущей транзакции:
// тег, созданный в откатившейся транзакции, в кэш не попадёт.
func (r *Registry) remember(ctx context.Context, key string, tag *Tag) {
	value := *tag
	db.AfterCommit(ctx, func() {
		if err := r.cache.Set(context.WithoutCancel(ctx), lookupKey(key), value, r.ttl); err != nil {
			log.WithError(err).WithField("key", key).Warn("Ошибка записи тега в кэш")
		}
	})
}

func (r *Registry) cached(ctx context.Context, key string) (*Tag, bool) {
	var tag Tag
	err := r.cache.Get(ctx, lookupKey(key), &tag)
	if err == nil {
		return &tag, true
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		log.WithError(err).WithField("key", key).Warn("Ошибка чтения кэша тегов")
	}
	return nil, false
}

// ResolveOrCreate находит тег по slug или имени, а если его нет — создаёт.
// Slug нового тега вычисляется через Slugify; если результат пустой
// (например, имя целиком на кириллице или китайском), slug = исходная строка.
func (r *Registry) ResolveOrCreate(ctx context.Context, nameOrSlug string) (*Tag, error) {
	if nameOrSlug == "" {
		return nil, common.ErrInvalidTagName
	}

	if tag, ok := r.cached(ctx, nameOrSlug); ok {
		return tag, nil
	}

	tag, err := r.store.FindTag(ctx, nameOrSlug)
	if err == nil {
		r.remember(ctx, nameOrSlug, tag)
		return tag, nil
	}
	if !errors.Is(err, common.ErrTagNotFound) {
		return nil, err
	}

	slug := Slugify(nameOrSlug)
	if slug == "" {
		slug = nameOrSlug
	}

	tag, err = r.store.GetOrCreateTag(ctx, nameOrSlug, slug)
	if err != nil {
		return nil, err
	}
	r.remember(ctx, nameOrSlug, tag)

	log.WithFields(log.Fields{
		"tag_id": tag.ID,
		"name":   tag.Name,
		"slug":   tag.Slug,
	}).Debug("Тег получен или создан")
	return tag, nil
}

// ResolveAll разрешает список имён с сохранением порядка.
// Повторы, указывающие на один и тот же тег, схлопываются до первого вхождения.
func (r *Registry) ResolveAll(ctx context.Context, names []string) ([]*Tag, error) {
	out := make([]*Tag, 0, len(names))
	seen := make(map[int64]struct{}, len(names))
	for _, name := range names {
		tag, err := r.ResolveOrCreate(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("тег %q: %w", name, err)
		}
		if _, ok := seen[tag.ID]; ok {
			continue
		}
		seen[tag.ID] = struct{}{}
		out = append(out, tag)
	}
	return out, nil
}

// Create явно создаёт тег (настройка магазина, тег по умолчанию).
func (r *Registry) Create(ctx context.Context, spec Spec) (*Tag, error) {
	if spec.Name == "" {
		return nil, common.ErrInvalidTagName
	}
	slug := spec.Slug
	if slug == "" {
		slug = Slugify(spec.Name)
	}
	if slug == "" {
		slug = spec.Name
	}

	tag := &Tag{
		Name:        spec.Name,
		Slug:        slug,
		Description: spec.Description,
		IsDefault:   spec.IsDefault,
	}
	if err := r.store.CreateTag(ctx, tag); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"tag_id":     tag.ID,
		"name":       tag.Name,
		"is_default": tag.IsDefault,
	}).Info("Тег создан")
	return tag, nil
}

// List возвращает все теги по алфавиту.
func (r *Registry) List(ctx context.Context) ([]*Tag, error) {
	return r.store.ListTags(ctx)
}
