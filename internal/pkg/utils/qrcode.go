package utils

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// QRCodeBase64 renders content as a PNG QR code and returns it as a data URI.
func QRCodeBase64(content string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("qr content cannot be empty")
	}
	png, err := qrcode.Encode(content, qrcode.Medium, qrSize)
	if err != nil {
		return "", fmt.Errorf("failed to generate QR code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
