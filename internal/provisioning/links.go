package provisioning

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"moonvpn/internal/models"
)

// ConnectionURI returns the subscription link when the panel publishes one,
// otherwise a protocol share link for the inbound.
func ConnectionURI(p models.Panel, in models.Inbound, acc models.ClientAccount) string {
	if p.SubBaseURL != "" && acc.SubID != "" {
		return strings.TrimRight(p.SubBaseURL, "/") + "/" + acc.SubID
	}

	addr := net.JoinHostPort(p.Host, strconv.Itoa(in.Port))
	q := url.Values{}
	if in.Network != "" {
		q.Set("type", in.Network)
	}
	if in.Security != "" {
		q.Set("security", in.Security)
	}
	fragment := url.PathEscape(acc.Email)

	switch strings.ToLower(in.Protocol) {
	case "vless":
		q.Set("encryption", "none")
		return fmt.Sprintf("vless://%s@%s?%s#%s", acc.RemoteID, addr, q.Encode(), fragment)
	case "trojan":
		return fmt.Sprintf("trojan://%s@%s?%s#%s", acc.RemoteID, addr, q.Encode(), fragment)
	case "vmess":
		tls := ""
		if in.Security == "tls" {
			tls = "tls"
		}
		raw, _ := json.Marshal(map[string]string{
			"v":    "2",
			"ps":   acc.Email,
			"add":  p.Host,
			"port": strconv.Itoa(in.Port),
			"id":   acc.RemoteID,
			"aid":  "0",
			"net":  in.Network,
			"type": "none",
			"tls":  tls,
		})
		return "vmess://" + base64.StdEncoding.EncodeToString(raw)
	default:
		return ""
	}
}
