// Package proration содержит чистый расчёт суммы возврата с пропорциональным
// распределением скидок уровня заказа по строкам.
package proration

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/returns-system/internal/model"
	"github.com/mmeshcher/returns-system/internal/points"
)

// ErrUnknownLine возвращается, если возвращаемая строка не найдена в заказе.
var ErrUnknownLine = errors.New("order line not found")

// ReturnedLine описывает принятую к возврату строку заказа.
type ReturnedLine struct {
	LineNo   int
	Quantity int
}

// LineRefund содержит расчёт возврата по одной строке.
type LineRefund struct {
	LineNo             int
	Quantity           int
	EffectiveUnitCents int64
	RefundCents        int64
}

// Result содержит итог расчёта возврата.
type Result struct {
	PerLine             []LineRefund
	ItemsRefundCents    int64
	ShippingRefundCents int64
	FullReturn          bool
}

// TotalCents возвращает полную сумму к выплате.
func (r *Result) TotalCents() int64 {
	return r.ItemsRefundCents + r.ShippingRefundCents
}

// Compute рассчитывает сумму возврата по принятым строкам. Скидка заказа и
// денежный эквивалент списанных баллов распределяются по строкам
// пропорционально их доле в сумме заказа; доставка возвращается ровно один
// раз — возвратом, доводящим суммарное количество с учётом ранее завершённых
// возвратов до полного.
func Compute(order *model.Order, returned []ReturnedLine, priorReturnedUnits int) (*Result, error) {
	subtotal := order.SubtotalCents()
	pointsDiscount := points.DiscountCents(order.BonusPointsRedeemed)

	res := &Result{}
	returnedUnits := 0

	for _, rl := range returned {
		if rl.Quantity <= 0 {
			continue
		}

		orig, ok := order.ItemByLine(rl.LineNo)
		if !ok {
			return nil, fmt.Errorf("%w: order %d line %d", ErrUnknownLine, order.ID, rl.LineNo)
		}

		// При нулевой сумме заказа доля строки считается нулевой,
		// деления не происходит.
		var proratedDiscount, proratedPoints int64
		if subtotal > 0 {
			lineTotal := orig.TotalCents()
			proratedDiscount = roundDiv(order.DiscountCents*lineTotal, subtotal)
			proratedPoints = roundDiv(pointsDiscount*lineTotal, subtotal)
		}

		perUnitDeduction := roundDiv(proratedDiscount, int64(orig.Quantity)) +
			roundDiv(proratedPoints, int64(orig.Quantity))

		effectiveUnit := orig.UnitPriceCents - perUnitDeduction
		if effectiveUnit < 0 {
			effectiveUnit = 0
		}

		refund := effectiveUnit * int64(rl.Quantity)

		res.PerLine = append(res.PerLine, LineRefund{
			LineNo:             rl.LineNo,
			Quantity:           rl.Quantity,
			EffectiveUnitCents: effectiveUnit,
			RefundCents:        refund,
		})
		res.ItemsRefundCents += refund
		returnedUnits += rl.Quantity
	}

	// Доставку возвращает только тот возврат, который довёл суммарное
	// количество до полного. Заказ, уже возвращённый целиком, порог
	// повторно не пересекает.
	total := order.TotalQuantity()
	res.FullReturn = returnedUnits > 0 &&
		priorReturnedUnits < total &&
		priorReturnedUnits+returnedUnits >= total
	if res.FullReturn && order.ShippingCents != nil {
		res.ShippingRefundCents = *order.ShippingCents
	}

	return res, nil
}

// roundDiv делит с округлением к ближайшему целому (половина — вверх).
func roundDiv(num, den int64) int64 {
	if den == 0 {
		return 0
	}
	return (num + den/2) / den
}
