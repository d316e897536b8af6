package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"moonvpn/internal/models"
)

const fakePassword = "secret"

// fakeXUI is a minimal in-memory 3x-ui panel.
type fakeXUI struct {
	mu       sync.Mutex
	cookie   string
	clients  map[string]xuiClientStat // by email
	uuids    map[string]string        // uuid -> email
	inbounds []xuiInbound

	logins      atomic.Int32
	apiCalls    atomic.Int32
	loginDelay  time.Duration
	rejectAll   atomic.Bool
	unavailable atomic.Bool
	limitFirst  atomic.Int32
	lastAdd     map[string]interface{}
}

func newFakeXUI() *fakeXUI {
	return &fakeXUI{
		clients: make(map[string]xuiClientStat),
		uuids:   make(map[string]string),
		inbounds: []xuiInbound{
			{ID: 1, Remark: "main", Enable: true, Port: 443, Protocol: "vless", Tag: "inbound-443",
				Settings: `{"clients":[]}`, StreamSettings: `{"network":"tcp","security":"reality"}`},
		},
	}
}

func (f *fakeXUI) writeJSON(w http.ResponseWriter, success bool, msg string, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": success, "msg": msg, "obj": obj})
}

func (f *fakeXUI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		if f.loginDelay > 0 {
			time.Sleep(f.loginDelay)
		}
		if r.FormValue("password") != fakePassword {
			f.writeJSON(w, false, "wrong username or password", nil)
			return
		}
		n := f.logins.Add(1)
		f.mu.Lock()
		f.cookie = fmt.Sprintf("sess-%d", n)
		cookie := f.cookie
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: cookie, Path: "/"})
		f.writeJSON(w, true, "ok", nil)
	})

	api := http.NewServeMux()
	api.HandleFunc("GET /panel/api/inbounds/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		list := make([]xuiInbound, len(f.inbounds))
		copy(list, f.inbounds)
		for i := range list {
			list[i].ClientStats = nil
			for _, st := range f.clients {
				if st.InboundID == list[i].ID {
					list[i].ClientStats = append(list[i].ClientStats, st)
				}
			}
		}
		f.writeJSON(w, true, "", list)
	})
	api.HandleFunc("POST /panel/api/inbounds/addClient", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID       int    `json:"id"`
			Settings string `json:"settings"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		var settings struct {
			Clients []map[string]interface{} `json:"clients"`
		}
		_ = json.Unmarshal([]byte(body.Settings), &settings)
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, c := range settings.Clients {
			email, _ := c["email"].(string)
			if _, exists := f.clients[email]; exists {
				f.writeJSON(w, false, "Duplicate email: "+email, nil)
				return
			}
			total, _ := c["totalGB"].(float64)
			expiry, _ := c["expiryTime"].(float64)
			enable, _ := c["enable"].(bool)
			f.clients[email] = xuiClientStat{InboundID: body.ID, Email: email, Enable: enable, Total: int64(total), ExpiryTime: int64(expiry)}
			id, _ := c["id"].(string)
			f.uuids[id] = email
			f.lastAdd = c
		}
		f.writeJSON(w, true, "Client(s) added", nil)
	})
	api.HandleFunc("POST /panel/api/inbounds/updateClient/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID       int    `json:"id"`
			Settings string `json:"settings"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		var settings struct {
			Clients []map[string]interface{} `json:"clients"`
		}
		_ = json.Unmarshal([]byte(body.Settings), &settings)
		f.mu.Lock()
		defer f.mu.Unlock()
		email, ok := f.uuids[r.PathValue("uuid")]
		if !ok || len(settings.Clients) == 0 {
			f.writeJSON(w, false, "empty client ID", nil)
			return
		}
		st := f.clients[email]
		c := settings.Clients[0]
		total, _ := c["totalGB"].(float64)
		expiry, _ := c["expiryTime"].(float64)
		st.Total, st.ExpiryTime = int64(total), int64(expiry)
		st.Enable, _ = c["enable"].(bool)
		f.clients[email] = st
		f.writeJSON(w, true, "Client updated", nil)
	})
	api.HandleFunc("POST /panel/api/inbounds/{id}/delClient/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		email, ok := f.uuids[r.PathValue("uuid")]
		if !ok {
			f.writeJSON(w, false, "Client Not Found", nil)
			return
		}
		delete(f.uuids, r.PathValue("uuid"))
		delete(f.clients, email)
		f.writeJSON(w, true, "Client deleted", nil)
	})
	api.HandleFunc("GET /panel/api/inbounds/getClientTraffics/{email}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		st, ok := f.clients[r.PathValue("email")]
		if !ok {
			f.writeJSON(w, true, "", nil)
			return
		}
		f.writeJSON(w, true, "", st)
	})
	api.HandleFunc("POST /panel/api/inbounds/{id}/resetClientTraffic/{email}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		st, ok := f.clients[r.PathValue("email")]
		if ok {
			st.Up, st.Down = 0, 0
			f.clients[r.PathValue("email")] = st
		}
		f.writeJSON(w, ok, "", nil)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.apiCalls.Add(1)
		if f.unavailable.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if f.limitFirst.Load() > 0 {
			f.limitFirst.Add(-1)
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		c, err := r.Cookie("3x-ui")
		f.mu.Lock()
		valid := err == nil && c.Value == f.cookie && f.cookie != ""
		f.mu.Unlock()
		if !valid || f.rejectAll.Load() {
			http.NotFound(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
	return mux
}

func (f *fakeXUI) setTraffic(email string, up, down int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.clients[email]
	st.Up, st.Down = up, down
	f.clients[email] = st
}

type memStore struct {
	mu     sync.Mutex
	panels map[uint]*models.Panel
	tokens map[uint]string
}

func newMemStore(panels ...*models.Panel) *memStore {
	s := &memStore{panels: make(map[uint]*models.Panel), tokens: make(map[uint]string)}
	for _, p := range panels {
		s.panels[p.ID] = p
	}
	return s
}

func (s *memStore) UpdateSession(_ context.Context, id uint, token string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[id] = token
	return nil
}

func (s *memStore) FindByID(_ context.Context, id uint) (*models.Panel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.panels[id]
	if !ok {
		return nil, fmt.Errorf("panel %d not found", id)
	}
	cp := *p
	return &cp, nil
}

func testOptions() SessionOptions {
	return SessionOptions{
		Timeout:             2 * time.Second,
		TTL:                 time.Hour,
		MaxAttempts:         3,
		BackoffInitial:      time.Millisecond,
		BackoffMax:          2 * time.Millisecond,
		MaxRateLimitRetries: 2,
		RateLimitWait:       time.Millisecond,
	}
}

func panelFor(t *testing.T, rawURL, typ string) *models.Panel {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return &models.Panel{
		ID:       1,
		Type:     typ,
		Scheme:   u.Scheme,
		Host:     u.Hostname(),
		Port:     port,
		Username: "admin",
		Password: fakePassword,
		Status:   models.PanelStatusActive,
		Healthy:  true,
	}
}

func startXUI(t *testing.T) (*fakeXUI, *httptest.Server, *models.Panel) {
	t.Helper()
	fake := newFakeXUI()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return fake, srv, panelFor(t, srv.URL, models.PanelTypeXUI)
}

func newTestXUIClient(t *testing.T, p *models.Panel, store TokenStore) (Client, *Session, *[]time.Duration) {
	t.Helper()
	client, session, err := New(p, store, testOptions(), nil)
	require.NoError(t, err)
	var waits []time.Duration
	session.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return client, session, &waits
}
