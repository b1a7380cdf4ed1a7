// Package common — errors.go определяет ошибки, общие для всех модулей леджера.
// Сервисы возвращают их как есть или оборачивают через %w, поэтому
// вызывающий код различает их через errors.Is / errors.As.
package common

import (
	"errors"
	"fmt"
)

// Ошибки леджера (начисление и списание баллов)
var (
	// ErrInvalidAmount — сумма не является положительным целым числом
	ErrInvalidAmount = errors.New("количество баллов должно быть положительным целым числом")
	// ErrInsufficientPoints — на источниках пользователя не хватает баллов
	ErrInsufficientPoints = errors.New("недостаточно баллов")
	// ErrLedgerInconsistent — после всех уровней списания остался нераспределённый остаток.
	// Не должна возникать при корректных блокировках, повторять операцию нельзя.
	ErrLedgerInconsistent = errors.New("нарушена целостность леджера")
	// ErrSourceNotFound — источник баллов не найден
	ErrSourceNotFound = errors.New("источник баллов не найден")
)

// Ошибки тегов
var (
	// ErrTagNotFound — тег не найден ни по slug, ни по имени
	ErrTagNotFound = errors.New("тег не найден")
	// ErrTagExists — тег с таким именем уже существует
	ErrTagExists = errors.New("тег с таким именем уже существует")
	// ErrInvalidTagName — пустое имя тега
	ErrInvalidTagName = errors.New("имя тега не может быть пустым")
)

// Ошибки магазина
var (
	// ErrItemNotFound — товар не найден
	ErrItemNotFound = errors.New("товар не найден")
	// ErrItemInactive — товар снят с продажи
	ErrItemInactive = errors.New("товар снят с продажи")
	// ErrOutOfStock — товар закончился
	ErrOutOfStock = errors.New("товар закончился")
	// ErrInvalidItem — некорректные параметры товара
	ErrInvalidItem = errors.New("некорректные параметры товара")
)

// InsufficientPointsError содержит детали нехватки баллов.
type InsufficientPointsError struct {
	UserID    int64
	Balance   int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("недостаточно баллов: текущий баланс %d, нужно %d", e.Balance, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error {
	return ErrInsufficientPoints
}

// IsClientError возвращает true, если ошибка вызвана входными данными
// или бизнес-правилом и показывается пользователю как есть.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrItemInactive) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrInvalidItem) ||
		errors.Is(err, ErrInvalidTagName) ||
		errors.Is(err, ErrTagExists)
}
