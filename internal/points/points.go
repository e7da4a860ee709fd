// Package points содержит правила пересчёта бонусных баллов в деньги и обратно.
package points

// Ступени скидки за списанные баллы. Скидка дискретная, не пропорциональная:
// внутри ступени её размер не меняется.
const (
	tier1Points = 1000
	tier2Points = 2000
	tier3Points = 3000
	tier4Points = 4000
	tier5Points = 5000
)

// DiscountCents возвращает денежную скидку в центах за указанное число
// списанных баллов. Используется и при оформлении заказа, и при расчёте
// возврата — границы ступеней должны совпадать с точностью до балла.
func DiscountCents(redeemed int64) int64 {
	switch {
	case redeemed < tier1Points:
		return 0
	case redeemed < tier2Points:
		return 500
	case redeemed < tier3Points:
		return 1000
	case redeemed < tier4Points:
		return 2000
	case redeemed < tier5Points:
		return 3500
	default:
		return 5000
	}
}

// Начисление составляет 3.5% от стоимости товара в евро:
// points = cents * 3.5 / 100 / 100, в целочисленной записи — cents*35/100000.
const (
	rateNum = 35
	rateDen = 100000
)

// DeductionForRefund возвращает число баллов, подлежащих списанию при
// возврате товаров на указанную сумму (в центах, после прорации скидок).
// Та же формула 3.5%, по которой баллы были начислены, округление вниз.
func DeductionForRefund(itemsRefundCents int64) int64 {
	if itemsRefundCents <= 0 {
		return 0
	}
	return itemsRefundCents * rateNum / rateDen
}
