package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const marzbanPageSize = 500

type marzbanUser struct {
	Username    string `json:"username"`
	Status      string `json:"status"`
	UsedTraffic int64  `json:"used_traffic"`
	DataLimit   *int64 `json:"data_limit"`
	Expire      *int64 `json:"expire"`
}

// marzbanClient implements Client for Marzban panels. Clients are users keyed
// by username, which carries the account email.
type marzbanClient struct {
	s *Session
}

func newMarzbanClient(s *Session) *marzbanClient {
	return &marzbanClient{s: s}
}

func (m *marzbanClient) Type() string {
	return "marzban"
}

func (m *marzbanClient) do(ctx context.Context, method, path string, body interface{}) (*resty.Response, error) {
	resp, err := m.s.Request(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return resp, ErrNotFound
	}
	if resp.IsError() {
		return resp, &RemoteError{PanelID: m.s.PanelID(), Status: resp.StatusCode(), Msg: detailOf(resp.Body())}
	}
	return resp, nil
}

func marzbanProtocol(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return "vless"
	}
	return p
}

func (m *marzbanClient) userBody(spec ClientSpec) map[string]interface{} {
	status := "active"
	if !spec.Enable {
		status = "disabled"
	}
	var expire interface{}
	if !spec.ExpiresAt.IsZero() {
		expire = spec.ExpiresAt.Unix()
	}
	var limit interface{}
	if spec.TotalBytes > 0 {
		limit = spec.TotalBytes
	}
	return map[string]interface{}{
		"status":                    status,
		"expire":                    expire,
		"data_limit":                limit,
		"data_limit_reset_strategy": "no_reset",
	}
}

func (m *marzbanClient) AddClient(ctx context.Context, spec ClientSpec) error {
	proto := marzbanProtocol(spec.Protocol)
	proxy := map[string]interface{}{"id": spec.UUID}
	if proto == "trojan" || proto == "shadowsocks" {
		proxy = map[string]interface{}{"password": spec.UUID}
	}
	body := m.userBody(spec)
	body["username"] = spec.Email
	body["proxies"] = map[string]interface{}{proto: proxy}
	if spec.InboundTag != "" {
		body["inbounds"] = map[string][]string{proto: {spec.InboundTag}}
	}
	if _, err := m.do(ctx, http.MethodPost, "/api/user", body); err != nil {
		return fmt.Errorf("marzban add user %s: %w", spec.Email, err)
	}
	return nil
}

func (m *marzbanClient) UpdateClient(ctx context.Context, spec ClientSpec) error {
	_, err := m.do(ctx, http.MethodPut, "/api/user/"+url.PathEscape(spec.Email), m.userBody(spec))
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("marzban update user %s: %w", spec.Email, err)
	}
	return nil
}

func (m *marzbanClient) DeleteClient(ctx context.Context, _ int, _ string, email string) error {
	_, err := m.do(ctx, http.MethodDelete, "/api/user/"+url.PathEscape(email), nil)
	return err
}

func (m *marzbanClient) GetClient(ctx context.Context, email string) (*ClientState, error) {
	resp, err := m.do(ctx, http.MethodGet, "/api/user/"+url.PathEscape(email), nil)
	if err != nil {
		return nil, err
	}
	var u marzbanUser
	if err := json.Unmarshal(resp.Body(), &u); err != nil {
		return nil, &RemoteError{PanelID: m.s.PanelID(), Msg: "malformed user"}
	}
	state := u.toState()
	return &state, nil
}

func (m *marzbanClient) ClientTraffics(ctx context.Context) (map[string]ClientState, error) {
	out := make(map[string]ClientState)
	for offset := 0; ; offset += marzbanPageSize {
		path := fmt.Sprintf("/api/users?offset=%d&limit=%d", offset, marzbanPageSize)
		resp, err := m.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		var page struct {
			Users []marzbanUser `json:"users"`
			Total int           `json:"total"`
		}
		if err := json.Unmarshal(resp.Body(), &page); err != nil {
			return nil, &RemoteError{PanelID: m.s.PanelID(), Msg: "malformed user list"}
		}
		for _, u := range page.Users {
			out[u.Username] = u.toState()
		}
		if len(page.Users) < marzbanPageSize || offset+len(page.Users) >= page.Total {
			return out, nil
		}
	}
}

func (m *marzbanClient) ResetClientTraffic(ctx context.Context, _ int, email string) error {
	_, err := m.do(ctx, http.MethodPost, "/api/user/"+url.PathEscape(email)+"/reset", nil)
	return err
}

// ListInbounds flattens /api/inbounds. Marzban has no numeric inbound ids, so a
// stable id is derived from the tag.
func (m *marzbanClient) ListInbounds(ctx context.Context) ([]Inbound, error) {
	resp, err := m.do(ctx, http.MethodGet, "/api/inbounds", nil)
	if err != nil {
		return nil, err
	}
	var grouped map[string][]struct {
		Tag      string      `json:"tag"`
		Protocol string      `json:"protocol"`
		Network  string      `json:"network"`
		TLS      string      `json:"tls"`
		Port     json.Number `json:"port"`
	}
	if err := json.Unmarshal(resp.Body(), &grouped); err != nil {
		return nil, &RemoteError{PanelID: m.s.PanelID(), Msg: "malformed inbound list"}
	}
	out := make([]Inbound, 0)
	for proto, items := range grouped {
		for _, it := range items {
			port, _ := it.Port.Int64()
			p := it.Protocol
			if p == "" {
				p = proto
			}
			out = append(out, Inbound{
				RemoteID: tagID(it.Tag),
				Tag:      it.Tag,
				Protocol: p,
				Port:     int(port),
				Remark:   it.Tag,
				Network:  it.Network,
				Security: it.TLS,
				Enable:   true,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

func (m *marzbanClient) RestartService(ctx context.Context) error {
	_, err := m.do(ctx, http.MethodPost, "/api/core/restart", nil)
	return err
}

func (m *marzbanClient) Ping(ctx context.Context) error {
	_, err := m.do(ctx, http.MethodGet, "/api/system", nil)
	return err
}

func (u marzbanUser) toState() ClientState {
	st := ClientState{
		Email:  u.Username,
		Enable: u.Status == "active" || u.Status == "on_hold",
		Down:   u.UsedTraffic,
	}
	if u.DataLimit != nil {
		st.TotalBytes = *u.DataLimit
	}
	if u.Expire != nil && *u.Expire > 0 {
		st.ExpiresAt = time.Unix(*u.Expire, 0)
	}
	return st
}

func tagID(tag string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tag))
	return int(h.Sum32() & 0x7fffffff)
}
