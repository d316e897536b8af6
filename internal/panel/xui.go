package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const xuiAPIBase = "/panel/api/inbounds"

type xuiEnvelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type xuiClientStat struct {
	InboundID  int    `json:"inboundId"`
	Enable     bool   `json:"enable"`
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	ExpiryTime int64  `json:"expiryTime"`
	Total      int64  `json:"total"`
}

type xuiInbound struct {
	ID             int             `json:"id"`
	Remark         string          `json:"remark"`
	Enable         bool            `json:"enable"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Tag            string          `json:"tag"`
	Settings       string          `json:"settings"`
	StreamSettings string          `json:"streamSettings"`
	ClientStats    []xuiClientStat `json:"clientStats"`
}

// xuiClient talks to the 3x-ui inbound API through a Session.
type xuiClient struct {
	s *Session
}

func newXUIClient(s *Session) *xuiClient {
	return &xuiClient{s: s}
}

func (x *xuiClient) Type() string {
	return "x-ui"
}

// call performs a request and unwraps the {success,msg,obj} envelope.
func (x *xuiClient) call(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	resp, err := x.s.Request(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &RemoteError{PanelID: x.s.PanelID(), Status: resp.StatusCode(), Msg: truncate(resp.String(), 200)}
	}
	var env xuiEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, &RemoteError{PanelID: x.s.PanelID(), Status: resp.StatusCode(), Msg: "malformed response"}
	}
	if !env.Success {
		return nil, &RemoteError{PanelID: x.s.PanelID(), Msg: env.Msg}
	}
	return env.Obj, nil
}

func (x *xuiClient) clientSettings(spec ClientSpec) (string, error) {
	expiry := int64(0)
	if !spec.ExpiresAt.IsZero() {
		expiry = spec.ExpiresAt.UnixMilli()
	}
	client := map[string]interface{}{
		"id":         spec.UUID,
		"flow":       "",
		"email":      spec.Email,
		"limitIp":    0,
		"totalGB":    spec.TotalBytes,
		"expiryTime": expiry,
		"enable":     spec.Enable,
		"tgId":       "",
		"subId":      spec.SubID,
		"reset":      0,
	}
	if strings.EqualFold(spec.Protocol, "trojan") || strings.EqualFold(spec.Protocol, "shadowsocks") {
		client["password"] = spec.UUID
	}
	raw, err := json.Marshal(map[string]interface{}{
		"clients": []map[string]interface{}{client},
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (x *xuiClient) AddClient(ctx context.Context, spec ClientSpec) error {
	settings, err := x.clientSettings(spec)
	if err != nil {
		return err
	}
	_, err = x.call(ctx, http.MethodPost, xuiAPIBase+"/addClient", map[string]interface{}{
		"id":       spec.InboundID,
		"settings": settings,
	})
	if err != nil {
		return fmt.Errorf("xui add client %s: %w", spec.Email, err)
	}
	return nil
}

func (x *xuiClient) UpdateClient(ctx context.Context, spec ClientSpec) error {
	if _, err := x.GetClient(ctx, spec.Email); err != nil {
		return err
	}
	settings, err := x.clientSettings(spec)
	if err != nil {
		return err
	}
	_, err = x.call(ctx, http.MethodPost, xuiAPIBase+"/updateClient/"+url.PathEscape(spec.UUID), map[string]interface{}{
		"id":       spec.InboundID,
		"settings": settings,
	})
	if err != nil {
		return fmt.Errorf("xui update client %s: %w", spec.Email, err)
	}
	return nil
}

func (x *xuiClient) DeleteClient(ctx context.Context, inboundID int, uuid, email string) error {
	path := fmt.Sprintf("%s/%d/delClient/%s", xuiAPIBase, inboundID, url.PathEscape(uuid))
	_, err := x.call(ctx, http.MethodPost, path, nil)
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if !errors.As(err, &remote) {
		return err
	}
	// 3x-ui answers success=false for unknown clients; confirm before calling it gone.
	if _, getErr := x.GetClient(ctx, email); errors.Is(getErr, ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("xui delete client %s: %w", email, err)
}

func (x *xuiClient) GetClient(ctx context.Context, email string) (*ClientState, error) {
	obj, err := x.call(ctx, http.MethodGet, xuiAPIBase+"/getClientTraffics/"+url.PathEscape(email), nil)
	if err != nil {
		return nil, err
	}
	if len(obj) == 0 || string(obj) == "null" {
		return nil, ErrNotFound
	}
	var st xuiClientStat
	if err := json.Unmarshal(obj, &st); err != nil {
		return nil, &RemoteError{PanelID: x.s.PanelID(), Msg: "malformed client traffic"}
	}
	if st.Email == "" {
		return nil, ErrNotFound
	}
	state := st.toState()
	return &state, nil
}

func (x *xuiClient) inbounds(ctx context.Context) ([]xuiInbound, error) {
	obj, err := x.call(ctx, http.MethodGet, xuiAPIBase+"/list", nil)
	if err != nil {
		return nil, err
	}
	var list []xuiInbound
	if len(obj) == 0 || string(obj) == "null" {
		return list, nil
	}
	if err := json.Unmarshal(obj, &list); err != nil {
		return nil, &RemoteError{PanelID: x.s.PanelID(), Msg: "malformed inbound list"}
	}
	return list, nil
}

func (x *xuiClient) ClientTraffics(ctx context.Context) (map[string]ClientState, error) {
	list, err := x.inbounds(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ClientState)
	for _, in := range list {
		for _, st := range in.ClientStats {
			if st.InboundID == 0 {
				st.InboundID = in.ID
			}
			out[st.Email] = st.toState()
		}
	}
	return out, nil
}

func (x *xuiClient) ResetClientTraffic(ctx context.Context, inboundID int, email string) error {
	path := fmt.Sprintf("%s/%d/resetClientTraffic/%s", xuiAPIBase, inboundID, url.PathEscape(email))
	_, err := x.call(ctx, http.MethodPost, path, nil)
	return err
}

func (x *xuiClient) ListInbounds(ctx context.Context) ([]Inbound, error) {
	list, err := x.inbounds(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Inbound, 0, len(list))
	for _, in := range list {
		var settings struct {
			Clients []json.RawMessage `json:"clients"`
		}
		_ = json.Unmarshal([]byte(in.Settings), &settings)
		var stream struct {
			Network  string `json:"network"`
			Security string `json:"security"`
		}
		_ = json.Unmarshal([]byte(in.StreamSettings), &stream)

		tag := in.Tag
		if tag == "" {
			tag = "inbound-" + strconv.Itoa(in.Port)
		}
		out = append(out, Inbound{
			RemoteID: in.ID,
			Tag:      tag,
			Protocol: in.Protocol,
			Port:     in.Port,
			Remark:   in.Remark,
			Network:  stream.Network,
			Security: stream.Security,
			Enable:   in.Enable,
			Clients:  len(settings.Clients),
		})
	}
	return out, nil
}

func (x *xuiClient) RestartService(ctx context.Context) error {
	resp, err := x.s.Request(ctx, http.MethodPost, "/server/restartXrayService", nil)
	if err != nil {
		return err
	}
	return expectOK(x.s.PanelID(), resp)
}

func (x *xuiClient) Ping(ctx context.Context) error {
	_, err := x.inbounds(ctx)
	return err
}

func (st xuiClientStat) toState() ClientState {
	var expires time.Time
	if st.ExpiryTime > 0 {
		expires = time.UnixMilli(st.ExpiryTime)
	}
	return ClientState{
		Email:      st.Email,
		InboundID:  st.InboundID,
		Enable:     st.Enable,
		Up:         st.Up,
		Down:       st.Down,
		TotalBytes: st.Total,
		ExpiresAt:  expires,
	}
}

func expectOK(panelID uint, resp *resty.Response) error {
	if resp.IsError() {
		return &RemoteError{PanelID: panelID, Status: resp.StatusCode(), Msg: truncate(resp.String(), 200)}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
