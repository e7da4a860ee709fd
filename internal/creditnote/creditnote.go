// Package creditnote строит контракт данных кредит-ноты для внешнего
// генератора документов.
package creditnote

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mmeshcher/returns-system/internal/model"
	"github.com/mmeshcher/returns-system/internal/proration"
)

// Build собирает данные кредит-ноты из заказа и рассчитанных строк возврата.
// Чистое преобразование: рендеринг документа выполняет внешний сервис.
func Build(order *model.Order, returnID uuid.UUID, res *proration.Result) (*model.CreditNote, error) {
	note := &model.CreditNote{
		OrderID:       order.ID,
		ReturnID:      returnID,
		Lines:         make([]model.CreditNoteLine, 0, len(res.PerLine)),
		ShippingCents: res.ShippingRefundCents,
		TotalCents:    res.TotalCents(),
	}

	for _, lr := range res.PerLine {
		orig, ok := order.ItemByLine(lr.LineNo)
		if !ok {
			return nil, fmt.Errorf("credit note: order %d has no line %d", order.ID, lr.LineNo)
		}
		note.Lines = append(note.Lines, model.CreditNoteLine{
			Name:               orig.Name,
			Quantity:           lr.Quantity,
			EffectiveUnitCents: lr.EffectiveUnitCents,
			LineTotalCents:     lr.RefundCents,
			Options:            orig.Options,
		})
	}

	return note, nil
}

// BuildFromReturn восстанавливает кредит-ноту по завершённой заявке из
// сохранённых сумм. Позволяет повторно сгенерировать документ, если внешний
// рендеринг при завершении не удался.
func BuildFromReturn(order *model.Order, ret *model.ReturnRequest) (*model.CreditNote, error) {
	note := &model.CreditNote{
		OrderID:    order.ID,
		ReturnID:   ret.ID,
		TotalCents: ret.Refund.AmountCents,
	}

	var itemsTotal int64
	for _, it := range ret.Items {
		if !it.Accepted || it.Quantity <= 0 {
			continue
		}
		orig, ok := order.ItemByLine(it.LineNo)
		if !ok {
			return nil, fmt.Errorf("credit note: order %d has no line %d", order.ID, it.LineNo)
		}
		note.Lines = append(note.Lines, model.CreditNoteLine{
			Name:               orig.Name,
			Quantity:           it.Quantity,
			EffectiveUnitCents: it.RefundCents / int64(it.Quantity),
			LineTotalCents:     it.RefundCents,
			Options:            orig.Options,
		})
		itemsTotal += it.RefundCents
	}

	if shipping := ret.Refund.AmountCents - itemsTotal; shipping > 0 {
		note.ShippingCents = shipping
	}

	return note, nil
}
