package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// zeroExponentCurrencies — валюты без дробной части.
var zeroExponentCurrencies = map[string]struct{}{
	"JPY": {}, "KRW": {}, "VND": {}, "CLP": {}, "ISK": {}, "HUF": {},
}

// CurrencyExponent возвращает число знаков после запятой для валюты.
func CurrencyExponent(currency string) int32 {
	if _, ok := zeroExponentCurrencies[strings.ToUpper(currency)]; ok {
		return 0
	}
	return 2
}

// Money переводит сумму в минимальных единицах в десятичное представление валюты.
func Money(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -CurrencyExponent(currency))
}

// MinorUnits — обратное преобразование; дробная часть сверх точности валюты отбрасывается.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(CurrencyExponent(currency)).Truncate(0).IntPart()
}
