package commission

import (
	"errors"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("金额必须大于 0")
	ErrInvalidRate   = errors.New("佣金比例必须在 [0, 1) 之间")
	ErrInvalidCcy    = errors.New("币种必须是 3 位字母代码")
	ErrTooLarge      = errors.New("金额超出可计费范围")
)

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

// 无小数位的币种，最小单位就是 1 元
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
	"CLP": true,
	"ISK": true,
}

// Quote 一次计费结果，金额都是最小货币单位
//
// Commission + Net == Gross 恒成立
type Quote struct {
	Gross      int64           `json:"gross"`
	Commission int64           `json:"commission"`
	Net        int64           `json:"net"`
	Rate       decimal.Decimal `json:"rate"`
	Currency   string          `json:"currency"`
}

// Exponent 币种小数位数
func Exponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// ToMinor 把主单位金额换算成最小单位，多余的小数位四舍五入
//
// 换算结果超出 int64 时返回 ErrTooLarge。
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	minor := amount.Shift(Exponent(currency)).Round(0)
	if minor.GreaterThan(maxInt64) || minor.LessThan(minInt64) {
		return 0, ErrTooLarge
	}
	return minor.IntPart(), nil
}

// Precise 金额的小数位不超过币种的最小单位
func Precise(amount decimal.Decimal, currency string) bool {
	return amount.Equal(amount.Truncate(Exponent(currency)))
}

// FromMinor 最小单位换算回主单位
func FromMinor(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -Exponent(currency))
}

// Calculate 计算佣金拆分
//
// 佣金按最小单位四舍五入（半数进位），卖家所得取差值，不会出现 1 分钱的误差。
func Calculate(gross decimal.Decimal, rate decimal.Decimal, currency string) (Quote, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return Quote{}, ErrInvalidCcy
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Quote{}, ErrInvalidRate
	}

	grossMinor, err := ToMinor(gross, currency)
	if err != nil {
		return Quote{}, err
	}
	if grossMinor <= 0 {
		return Quote{}, ErrInvalidAmount
	}

	commission := decimal.NewFromInt(grossMinor).Mul(rate).Round(0).IntPart()
	return Quote{
		Gross:      grossMinor,
		Commission: commission,
		Net:        grossMinor - commission,
		Rate:       rate,
		Currency:   currency,
	}, nil
}
