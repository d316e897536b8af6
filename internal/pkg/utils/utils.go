package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// GenerateUUID generates a UUID v4 string.
func GenerateUUID() string {
	return uuid.New().String()
}

// RandomHex generates a random hex string of n bytes.
func RandomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// RandomCode generates a random alphanumeric code of given length.
func RandomCode(length int) string {
	const charset = "abcdefghijkmnopqrstuvwxyz23456789"
	b := make([]byte, length)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		b[i] = charset[n.Int64()]
	}
	return string(b)
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// SanitizeUsername strips characters panels reject in client emails.
func SanitizeUsername(username string) string {
	return unsafeChars.ReplaceAllString(username, "")
}

// ClientEmail builds the panel-side identifier of a client: <user>_<ref>_<code>.
// Panels require it to be unique per inbound.
func ClientEmail(userID, subscriptionRef string) string {
	parts := []string{SanitizeUsername(userID)}
	if ref := SanitizeUsername(subscriptionRef); ref != "" {
		parts = append(parts, ref)
	}
	parts = append(parts, RandomCode(5))
	return strings.Join(parts, "_")
}

// FormatBytes converts bytes to human-readable format.
func FormatBytes(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(bytes)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", size, units[i])
}

// GBToBytes converts gigabytes to bytes.
func GBToBytes(gb float64) int64 {
	return int64(gb * 1024 * 1024 * 1024)
}
