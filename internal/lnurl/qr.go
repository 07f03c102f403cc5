package lnurl

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/satsend/nwcpay/internal/errors"
)

// InvoiceQR renders a bolt11 invoice as a PNG QR code. The invoice is
// uppercased for the smaller alphanumeric QR encoding.
func InvoiceQR(pr string) ([]byte, error) {
	if len(pr) == 0 {
		return nil, errors.New(errors.InvalidInvoiceError, fmt.Errorf("empty invoice"))
	}
	png, err := qrcode.Encode(strings.ToUpper(pr), qrcode.Medium, 256)
	if err != nil {
		return nil, errors.New(errors.InvalidInvoiceError, err)
	}
	return png, nil
}
