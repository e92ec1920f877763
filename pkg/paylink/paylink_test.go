package paylink

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestPaymeLink(t *testing.T) {
	link := Payme("https://checkout.test.paycom.uz", "697b63129eccc7679b552de7", "order_id", 5, 15000)

	if !strings.HasPrefix(link, "https://checkout.test.paycom.uz/") {
		t.Fatalf("unexpected prefix: %s", link)
	}

	encoded := strings.TrimPrefix(link, "https://checkout.test.paycom.uz/")
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	if string(decoded) != "m=697b63129eccc7679b552de7;ac.order_id=5;a=1500000" {
		t.Fatalf("unexpected payload: %s", decoded)
	}
}

func TestClickLink(t *testing.T) {
	link := Click("95107", "55704", 5, 15000)
	want := "https://my.click.uz/services/pay?service_id=95107&merchant_id=55704&amount=15000&transaction_param=5"
	if link != want {
		t.Fatalf("expected %s, got %s", want, link)
	}
}
