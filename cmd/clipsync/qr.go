package main

import (
	"github.com/skip2/go-qrcode"
)

// renderQR draws address as a terminal QR code.
func renderQR(address string) (string, error) {
	q, err := qrcode.New(address, qrcode.Low)
	if err != nil {
		return "", err
	}
	return q.ToString(false), nil
}
