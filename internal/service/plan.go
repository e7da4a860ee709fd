package service

import (
	"fmt"

	"github.com/mmeshcher/returns-system/internal/model"
	"github.com/mmeshcher/returns-system/internal/points"
	"github.com/mmeshcher/returns-system/internal/proration"
	"github.com/mmeshcher/returns-system/internal/repository"
	"github.com/mmeshcher/returns-system/internal/validation"
)

// planFreeze вычисляет предварительное списание баллов для новой заявки.
// Баллы удерживаются из отложенного начисления той же формулой, что и
// финальное списание, чтобы плановая выплата не выдала оспариваемые баллы.
func planFreeze(order *model.Order, grant *model.PointGrant, items []model.ReturnItem) int64 {
	if grant == nil || grant.State != model.GrantStatePending {
		return 0
	}

	res, err := proration.Compute(order, requestedLines(items), 0)
	if err != nil {
		return 0
	}

	freeze := points.DeductionForRefund(res.ItemsRefundCents)
	if freeze > grant.PointsAwarded {
		freeze = grant.PointsAwarded
	}
	return freeze
}

// planCompletion вычисляет полный план завершения возврата: итоговые строки,
// сумму выплаты, пополнение остатков и корректировку баллов.
func planCompletion(snap *repository.CompletionSnapshot, decisions []ItemDecision, refund *RefundInput) (*repository.CompletionPlan, *proration.Result, error) {
	order, ret := snap.Order, snap.Return

	items := make([]model.ReturnItem, len(ret.Items))
	copy(items, ret.Items)
	if err := applyDecisionList(items, decisions); err != nil {
		return nil, nil, err
	}

	// Проверка при подаче учитывала возвраты, завершённые на тот момент.
	// Пока заявка ждала решения, другие заявки по заказу могли завершиться,
	// поэтому остаток к возврату проверяется повторно под блокировкой заказа.
	if err := validation.ValidateAcceptedQuantities(order, items, snap.PriorByLine); err != nil {
		return nil, nil, err
	}

	res, err := proration.Compute(order, acceptedLines(items), snap.PriorUnits)
	if err != nil {
		return nil, nil, err
	}

	for i := range items {
		items[i].RefundCents = 0
	}
	for _, lr := range res.PerLine {
		for i := range items {
			if items[i].LineNo == lr.LineNo {
				items[i].RefundCents = lr.RefundCents
			}
		}
	}

	plan := &repository.CompletionPlan{
		Status: model.ReturnStatusCompleted,
		Items:  items,
		Refund: model.Refund{AmountCents: res.TotalCents()},
	}
	if refund != nil {
		plan.Refund.Method = refund.Method
		plan.Refund.Reference = refund.Reference
		if refund.AmountCents > 0 {
			plan.Refund.AmountCents = refund.AmountCents
		}
	}

	for _, it := range items {
		if !it.Accepted || it.Quantity <= 0 {
			continue
		}
		orig, ok := order.ItemByLine(it.LineNo)
		if !ok {
			return nil, nil, fmt.Errorf("%w: order %d line %d", validation.ErrUnknownLine, order.ID, it.LineNo)
		}
		plan.Restock = append(plan.Restock, repository.RestockEntry{
			ProductID: orig.ProductID,
			Options:   orig.Options,
			Quantity:  it.Quantity,
		})
	}

	applyPointAdjustment(plan, snap, points.DeductionForRefund(res.ItemsRefundCents))

	if plan.Order == nil {
		plan.Order = &repository.OrderMutation{}
	}
	plan.Order.Status = model.OrderStatusReturnCompleted

	return plan, res, nil
}

// applyPointAdjustment решает, как провести списание баллов: через отложенное
// начисление, пока оно не выплачено, или через живой баланс пользователя.
// Баллы, удержанные этой заявкой при подаче, в обоих случаях идут в зачёт —
// двойного списания или двойной выплаты не происходит.
func applyPointAdjustment(plan *repository.CompletionPlan, snap *repository.CompletionSnapshot, deduct int64) {
	order, ret, grant := snap.Order, snap.Return, snap.Grant

	if !order.BonusPointsCredited {
		if grant == nil {
			// Начисления по заказу нет — списывать нечего.
			return
		}

		// Удержанное этой заявкой возвращается в начисление, затем
		// списывается итоговая сумма.
		awarded := grant.PointsAwarded + ret.FrozenPoints - deduct
		if awarded < 0 {
			awarded = 0
		}
		frozen := grant.FrozenPoints - ret.FrozenPoints
		if frozen < 0 {
			frozen = 0
		}

		state := grant.State
		clear := false
		if awarded == 0 && frozen == 0 {
			state = model.GrantStateClosed
			clear = true
		}

		plan.Grant = &repository.GrantMutation{
			PointsAwarded: awarded,
			FrozenPoints:  frozen,
			State:         state,
			ClearSchedule: clear,
		}

		remaining := awarded + frozen
		plan.Order = &repository.OrderMutation{Earned: &remaining}
		return
	}

	// Баллы уже выплачены. Удержанные этой заявкой так и не попали на баланс,
	// поэтому с баланса снимается только остаток; излишек удержания
	// возвращается пользователю.
	var addDeducted int64
	delta := deduct - ret.FrozenPoints
	switch {
	case delta > 0:
		actual := delta
		if actual > snap.User.BonusPoints {
			actual = snap.User.BonusPoints
		}
		plan.UserDelta = -actual
		addDeducted = ret.FrozenPoints + actual
	case delta < 0:
		plan.UserDelta = -delta
		addDeducted = deduct
	default:
		addDeducted = deduct
	}

	plan.Order = &repository.OrderMutation{
		AddDeducted:    addDeducted,
		MarkDeductedAt: addDeducted > 0,
	}

	if grant != nil && ret.FrozenPoints > 0 {
		frozen := grant.FrozenPoints - ret.FrozenPoints
		if frozen < 0 {
			frozen = 0
		}
		plan.Grant = &repository.GrantMutation{
			PointsAwarded: grant.PointsAwarded,
			FrozenPoints:  frozen,
			State:         grant.State,
		}
	}
}

// planRejection строит план отклонения заявки: денежных и складских эффектов
// нет, удержанные баллы возвращаются в начисление или на баланс.
func planRejection(snap *repository.CompletionSnapshot) *repository.CompletionPlan {
	ret := snap.Return

	plan := &repository.CompletionPlan{
		Status: model.ReturnStatusRejected,
		Items:  ret.Items,
		Refund: ret.Refund,
	}

	if ret.FrozenPoints > 0 && snap.Grant != nil {
		g := snap.Grant
		frozen := g.FrozenPoints - ret.FrozenPoints
		if frozen < 0 {
			frozen = 0
		}

		if g.State == model.GrantStatePending {
			plan.Grant = &repository.GrantMutation{
				PointsAwarded: g.PointsAwarded + ret.FrozenPoints,
				FrozenPoints:  frozen,
				State:         g.State,
			}
		} else {
			// Начисление уже выплачено без удержанной части —
			// возвращаем её прямо на баланс.
			plan.Grant = &repository.GrantMutation{
				PointsAwarded: g.PointsAwarded,
				FrozenPoints:  frozen,
				State:         g.State,
			}
			plan.UserDelta = ret.FrozenPoints
		}
	}

	return plan
}

func requestedLines(items []model.ReturnItem) []proration.ReturnedLine {
	lines := make([]proration.ReturnedLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, proration.ReturnedLine{LineNo: it.LineNo, Quantity: it.Quantity})
	}
	return lines
}

func acceptedLines(items []model.ReturnItem) []proration.ReturnedLine {
	lines := make([]proration.ReturnedLine, 0, len(items))
	for _, it := range items {
		if !it.Accepted {
			continue
		}
		lines = append(lines, proration.ReturnedLine{LineNo: it.LineNo, Quantity: it.Quantity})
	}
	return lines
}

// applyDecisionList накладывает решения по строкам на копию строк заявки.
// Количество ограничивается ранее запрошенным.
func applyDecisionList(items []model.ReturnItem, decisions []ItemDecision) error {
	for _, d := range decisions {
		found := false
		for i := range items {
			if items[i].LineNo != d.LineNo {
				continue
			}
			found = true
			items[i].Accepted = d.Accepted
			if d.Quantity != nil {
				items[i].Quantity = validation.ClampQuantity(items[i].Quantity, *d.Quantity)
			}
		}
		if !found {
			return fmt.Errorf("%w: return has no line %d", validation.ErrUnknownLine, d.LineNo)
		}
	}
	return nil
}

// summarizeDecisions возвращает названия принятых и отклонённых позиций
// для уведомления покупателя.
func summarizeDecisions(order *model.Order, items []model.ReturnItem) (accepted, rejected []string) {
	for _, it := range items {
		orig, ok := order.ItemByLine(it.LineNo)
		if !ok {
			continue
		}
		if it.Accepted {
			accepted = append(accepted, orig.Name)
		} else {
			rejected = append(rejected, orig.Name)
		}
	}
	return accepted, rejected
}
