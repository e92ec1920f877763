// Package paylink 支付跳转链接
package paylink

import (
	"encoding/base64"
	"fmt"
)

const clickPayBase = "https://my.click.uz/services/pay"

// Payme 生成 Payme 收银台跳转链接。
//
// 参数串 m=<merchant>;ac.<field>=<order>;a=<tiyin> 做 Base64 后拼到
// PAYME_URL 之后。amountSum 为苏姆，链接内转换为 tiyin。
func Payme(baseURL, merchantID, accountField string, orderID, amountSum int64) string {
	params := fmt.Sprintf("m=%s;ac.%s=%d;a=%d", merchantID, accountField, orderID, amountSum*100)
	encoded := base64.StdEncoding.EncodeToString([]byte(params))
	return baseURL + "/" + encoded
}

// Click 生成 Click 支付跳转链接。金额单位为苏姆。
func Click(serviceID, merchantID string, orderID, amountSum int64) string {
	return fmt.Sprintf("%s?service_id=%s&merchant_id=%s&amount=%d&transaction_param=%d",
		clickPayBase, serviceID, merchantID, amountSum, orderID)
}
