package utils

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientEmail(t *testing.T) {
	email := ClientEmail("12345", "order#7")
	assert.True(t, strings.HasPrefix(email, "12345_order7_"))
	assert.Len(t, email, len("12345_order7_")+5)
	assert.NotEqual(t, email, ClientEmail("12345", "order#7"))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", FormatBytes(0))
	assert.Equal(t, "1.00 KB", FormatBytes(1024))
	assert.Equal(t, "50.00 GB", FormatBytes(GBToBytes(50)))
}

func TestQRCodeBase64(t *testing.T) {
	out, err := QRCodeBase64("vless://abc@example.com:443")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "data:image/png;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(out, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(raw[:4]))

	_, err = QRCodeBase64("")
	assert.Error(t, err)
}
