// Package tags — реестр именованных меток, которые вешаются на источники баллов
// и товары магазина. models.go описывает структуру тега.
package tags

import (
	"context"
	"time"
)

// Tag — метка источника баллов или товара.
// Тег с IsDefault участвует во втором уровне списания.
type Tag struct {
	ID          int64     `db:"id"`
	Name        string    `db:"name"` // Уникальное имя
	Slug        string    `db:"slug"`
	Description string    `db:"description"`
	IsDefault   bool      `db:"is_default"`
	CreatedAt   time.Time `db:"created_at"`
}

// Spec — параметры явного создания тега.
type Spec struct {
	Name        string
	Slug        string // Пустой — вычисляется из Name
	Description string
	IsDefault   bool
}

// Store — хранилище тегов.
type Store interface {
	// FindTag ищет тег по slug ИЛИ имени (точное, регистрозависимое совпадение).
	// Если не найден — common.ErrTagNotFound.
	FindTag(ctx context.Context, nameOrSlug string) (*Tag, error)
	// GetOrCreateTag атомарно возвращает тег с именем name или создаёт его.
	GetOrCreateTag(ctx context.Context, name, slug string) (*Tag, error)
	// CreateTag создаёт тег. Если имя занято — common.ErrTagExists.
	CreateTag(ctx context.Context, tag *Tag) error
	ListTags(ctx context.Context) ([]*Tag, error)
}
