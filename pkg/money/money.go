// Package money 金额解析与校验
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount 金额非法（无法解析或包含小数部分）
var ErrInvalidAmount = errors.New("invalid amount")

// Normalize 将支付机构传入的金额归一化为整数。
//
// 金额可能是 JSON number、字符串（含空格、逗号小数点）。
// 去除空白、把 "," 替换为 "." 之后必须等于其整数截断，
// 否则视为非法（不接受小数 tiyin）。
func Normalize(v interface{}) (int64, error) {
	switch val := v.(type) {
	case nil:
		return 0, ErrInvalidAmount
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case json.Number:
		return normalizeString(val.String())
	case float64:
		return normalizeString(decimal.NewFromFloat(val).String())
	case string:
		return normalizeString(val)
	default:
		return normalizeString(fmt.Sprintf("%v", val))
	}
}

func normalizeString(raw string) (int64, error) {
	cleaned := strings.Join(strings.Fields(raw), "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	if cleaned == "" {
		return 0, ErrInvalidAmount
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, ErrInvalidAmount
	}
	return d.IntPart(), nil
}
