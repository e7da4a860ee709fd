// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/returns-system/internal/model"
)

var (
	// ErrNoItems возвращается для заявки без единой строки возврата.
	ErrNoItems = errors.New("return has no items")
	// ErrUnknownLine возвращается, если строка возврата не найдена в заказе.
	ErrUnknownLine = errors.New("order line not found")
	// ErrOverReturn возвращается при попытке вернуть больше, чем осталось по строке.
	ErrOverReturn = errors.New("returned quantity exceeds remaining order quantity")
	// ErrInvalidTransition возвращается при недопустимой смене статуса заявки.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidateTransition проверяет допустимость перехода статуса заявки.
// Разрешено: pending -> processing|completed|rejected,
// processing -> completed|rejected. Конечные статусы не меняются.
func ValidateTransition(from, to model.ReturnStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	switch to {
	case model.ReturnStatusProcessing:
		if from == model.ReturnStatusPending {
			return nil
		}
	case model.ReturnStatusCompleted, model.ReturnStatusRejected:
		return nil
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ValidateRequestedItems проверяет строки новой заявки: строка должна
// существовать в заказе, а суммарное принятое количество по всем завершённым
// возвратам строки никогда не превышает её исходное количество.
func ValidateRequestedItems(order *model.Order, items []model.ReturnItem, priorByLine map[int]int) error {
	if len(items) == 0 {
		return ErrNoItems
	}

	seen := make(map[int]bool, len(items))
	for _, it := range items {
		orig, ok := order.ItemByLine(it.LineNo)
		if !ok {
			return fmt.Errorf("%w: order %d line %d", ErrUnknownLine, order.ID, it.LineNo)
		}
		if seen[it.LineNo] {
			return fmt.Errorf("duplicate return line %d", it.LineNo)
		}
		seen[it.LineNo] = true

		if it.Quantity < 1 {
			return fmt.Errorf("line %d: quantity must be positive", it.LineNo)
		}
		if it.Quantity+priorByLine[it.LineNo] > orig.Quantity {
			return fmt.Errorf("%w: order %d line %d", ErrOverReturn, order.ID, it.LineNo)
		}
	}

	return nil
}

// ValidateAcceptedQuantities проверяет принятые строки при завершении заявки.
// Между подачей и завершением могли завершиться другие возвраты по тому же
// заказу, поэтому остаток к возврату проверяется заново: суммарное принятое
// количество по завершённым возвратам строки не может превысить её исходное
// количество. Пустой список допустим — заявка может быть завершена с
// отклонением всех строк.
func ValidateAcceptedQuantities(order *model.Order, items []model.ReturnItem, priorByLine map[int]int) error {
	for _, it := range items {
		if !it.Accepted || it.Quantity <= 0 {
			continue
		}
		orig, ok := order.ItemByLine(it.LineNo)
		if !ok {
			return fmt.Errorf("%w: order %d line %d", ErrUnknownLine, order.ID, it.LineNo)
		}
		if it.Quantity+priorByLine[it.LineNo] > orig.Quantity {
			return fmt.Errorf("%w: order %d line %d", ErrOverReturn, order.ID, it.LineNo)
		}
	}
	return nil
}

// ClampQuantity ограничивает правку количества исходно запрошенным в заявке.
func ClampQuantity(requested, updated int) int {
	if updated < 1 {
		return 1
	}
	if updated > requested {
		return requested
	}
	return updated
}
