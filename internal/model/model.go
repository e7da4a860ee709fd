// Package model содержит доменные сущности сервиса возвратов.
package model

import (
	"time"

	"github.com/google/uuid"
)

// User представляет покупателя и его живой баланс бонусных баллов.
type User struct {
	ID          int64
	Login       string
	Email       string
	BonusPoints int64
	CreatedAt   time.Time
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPlaced          OrderStatus = "placed"
	OrderStatusReturnCompleted OrderStatus = "return_completed"
)

// OrderItem описывает строку заказа. LineNo — стабильный порядковый номер
// строки, присваиваемый при оформлении заказа; возвраты ссылаются на него,
// а не на название товара.
type OrderItem struct {
	LineNo         int
	ProductID      int64
	Name           string
	UnitPriceCents int64
	Quantity       int
	Options        map[string]string
}

// TotalCents возвращает стоимость строки заказа в центах.
func (i OrderItem) TotalCents() int64 {
	return i.UnitPriceCents * int64(i.Quantity)
}

// Order описывает заказ. После оформления заказ неизменяем; поля статуса и
// бонусных баллов мутируются только при завершении возврата.
type Order struct {
	ID                  int64
	UserID              int64
	Status              OrderStatus
	Items               []OrderItem
	DiscountCents       int64
	DiscountCode        string
	BonusPointsRedeemed int64
	BonusPointsEarned   int64
	BonusPointsCredited bool
	BonusPointsDeducted int64
	PointsDeductedAt    *time.Time
	ShippingCents       *int64 // nil — заказ без строки доставки
	PlacedAt            time.Time
}

// SubtotalCents возвращает сумму всех строк заказа в центах.
func (o *Order) SubtotalCents() int64 {
	var sum int64
	for _, it := range o.Items {
		sum += it.TotalCents()
	}
	return sum
}

// TotalQuantity возвращает суммарное количество единиц товара в заказе.
func (o *Order) TotalQuantity() int {
	var n int
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// ItemByLine возвращает строку заказа по её номеру.
func (o *Order) ItemByLine(lineNo int) (OrderItem, bool) {
	for _, it := range o.Items {
		if it.LineNo == lineNo {
			return it, true
		}
	}
	return OrderItem{}, false
}

// ReturnStatus описывает статус заявки на возврат.
type ReturnStatus string

const (
	ReturnStatusPending    ReturnStatus = "pending"
	ReturnStatusProcessing ReturnStatus = "processing"
	ReturnStatusCompleted  ReturnStatus = "completed"
	ReturnStatusRejected   ReturnStatus = "rejected"
)

// Terminal сообщает, является ли статус конечным.
func (s ReturnStatus) Terminal() bool {
	return s == ReturnStatusCompleted || s == ReturnStatusRejected
}

// Refund описывает запись о выплате по возврату.
type Refund struct {
	Method      string
	Reference   string
	AmountCents int64
}

// ReturnItem описывает строку заявки на возврат. Quantity при подаче заявки
// фиксирует запрошенное количество и служит верхней границей для правок.
type ReturnItem struct {
	LineNo      int
	Quantity    int
	Accepted    bool
	RefundCents int64
}

// ReturnRequest представляет заявку на возврат по заказу. FrozenPoints —
// баллы, удержанные этой заявкой из отложенного начисления.
type ReturnRequest struct {
	ID           uuid.UUID
	OrderID      int64
	UserID       int64
	Status       ReturnStatus
	Items        []ReturnItem
	Refund       Refund
	Notes        string
	FrozenPoints int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ItemByLine возвращает строку заявки по номеру строки заказа.
func (r *ReturnRequest) ItemByLine(lineNo int) (ReturnItem, bool) {
	for _, it := range r.Items {
		if it.LineNo == lineNo {
			return it, true
		}
	}
	return ReturnItem{}, false
}

// GrantState описывает стадию жизненного цикла отложенного начисления.
// Жизненный цикл выражен явным состоянием, а не наличием записи:
// closed означает, что начисление исчерпано возвратами до выплаты.
type GrantState string

const (
	GrantStatePending  GrantState = "pending"
	GrantStateCredited GrantState = "credited"
	GrantStateClosed   GrantState = "closed"
)

// PointGrant представляет отложенное начисление баллов по заказу
// (не более одного на заказ). FrozenPoints — баллы, временно удержанные
// из начисления из-за незавершённых возвратов.
type PointGrant struct {
	OrderID       int64
	UserID        int64
	State         GrantState
	PointsAwarded int64
	FrozenPoints  int64
	FrozenBy      []uuid.UUID
	ScheduledAt   *time.Time
}

// FrozenByReturn сообщает, удерживает ли указанная заявка баллы начисления.
func (g *PointGrant) FrozenByReturn(id uuid.UUID) bool {
	for _, rid := range g.FrozenBy {
		if rid == id {
			return true
		}
	}
	return false
}

// CreditNoteLine описывает строку кредит-ноты.
type CreditNoteLine struct {
	Name               string            `json:"name"`
	Quantity           int               `json:"quantity"`
	EffectiveUnitCents int64             `json:"effective_unit_cents"`
	LineTotalCents     int64             `json:"line_total_cents"`
	Options            map[string]string `json:"options,omitempty"`
}

// CreditNote — контракт данных для внешнего генератора документов.
type CreditNote struct {
	OrderID       int64            `json:"order_id"`
	ReturnID      uuid.UUID        `json:"return_id"`
	Lines         []CreditNoteLine `json:"lines"`
	ShippingCents int64            `json:"shipping_cents"`
	TotalCents    int64            `json:"total_cents"`
}
