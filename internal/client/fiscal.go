// Package client 外部 HTTP 客户端
package client

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/unicom/shop-payment/internal/config"
	"github.com/unicom/shop-payment/internal/repository"
	"github.com/unicom/shop-payment/pkg/logger"
)

const fiscalIKPUFallback = "00702001001000001"

// FiscalClient Click OFD 财务凭证上报客户端。
// 认证头: Auth: <merchant_user_id>:<sha1(timestamp + secret)>:<timestamp>
type FiscalClient struct {
	cfg    *config.Config
	log    *logger.Logger
	client *http.Client

	now func() int64 // epoch 秒
}

// NewFiscalClient 创建客户端
func NewFiscalClient(cfg *config.Config, log *logger.Logger) *FiscalClient {
	return &FiscalClient{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    func() int64 { return time.Now().Unix() },
	}
}

type fiscalItem struct {
	SPIC        string `json:"spic"`
	Title       string `json:"title"`
	PackageCode string `json:"package_code"`
	Price       int64  `json:"price"` // 提因
	Amount      int64  `json:"amount"`
	Units       int    `json:"units"`
	VATPercent  int    `json:"vat_percent"`
}

type fiscalPayload struct {
	ServiceID     int64        `json:"service_id"`
	PaymentID     int64        `json:"payment_id"` // Click 侧支付号
	Items         []fiscalItem `json:"items"`
	ReceivedEcash int64        `json:"received_ecash"`
	ReceivedCash  int64        `json:"received_cash"`
	ReceivedCard  int64        `json:"received_card"`
}

// SubmitItems 上报订单明细到 OFD。提交后异步调用，失败只记录日志。
func (c *FiscalClient) SubmitItems(ctx context.Context, paymentID int64, order *repository.Order, items []*repository.OrderItem) {
	if err := c.submit(ctx, paymentID, order, items); err != nil {
		c.log.WithError(err).WithField("orderID", order.ID).Error("fiscal submit failed")
		return
	}
	c.log.Infof("fiscal submit ok", map[string]interface{}{
		"orderID":   order.ID,
		"paymentID": paymentID,
	})
}

func (c *FiscalClient) submit(ctx context.Context, paymentID int64, order *repository.Order, items []*repository.OrderItem) error {
	list := make([]fiscalItem, 0, len(items)+1)
	for _, item := range items {
		spic := item.IKPU
		if spic == "" {
			spic = fiscalIKPUFallback
		}
		packageCode := item.PackageCode
		if packageCode == "" {
			packageCode = c.cfg.DefaultPackageCode
		}
		list = append(list, fiscalItem{
			SPIC:        spic,
			Title:       item.ProductName,
			PackageCode: packageCode,
			Price:       item.PriceAtPurchase * 100,
			Amount:      item.Quantity,
			Units:       241092,
			VATPercent:  0,
		})
	}

	if order.OrderType == repository.OrderTypeDebtRepayment {
		list = append(list, fiscalItem{
			SPIC:        fiscalIKPUFallback,
			Title:       "Погашение долга",
			PackageCode: c.cfg.DefaultPackageCode,
			Price:       order.TotalAmount * 100,
			Amount:      1,
			Units:       241092,
			VATPercent:  0,
		})
	}

	serviceID, err := strconv.ParseInt(c.cfg.ClickServiceID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse click service id: %w", err)
	}

	payload := fiscalPayload{
		ServiceID:     serviceID,
		PaymentID:     paymentID,
		Items:         list,
		ReceivedEcash: order.TotalAmount * 100,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal fiscal payload: %w", err)
	}

	timestamp := c.now()
	digest := sha1.Sum([]byte(strconv.FormatInt(timestamp, 10) + c.cfg.ClickSecretKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ClickFiscalURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build fiscal request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Auth", fmt.Sprintf("%s:%s:%d",
		c.cfg.ClickMerchantUserID, hex.EncodeToString(digest[:]), timestamp))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fiscal request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fiscal api error: status %d, body %s", resp.StatusCode, respBody)
	}
	return nil
}
