package is74

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"intercom-bridge/internal/failure"
	"intercom-bridge/internal/retry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL:   srv.URL,
		CRMURL:    srv.URL + "/crm",
		UserAgent: "test-agent",
		DeviceID:  "0123456789abcdef",
		Timeout:   2 * time.Second,
		Retry:     retry.Policy{MaxAttempts: 3},
	})
}

func TestRequestCodeSendsHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mobile/auth/get-confirm" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Accept") != acceptHeader || r.Header.Get("X-Device-Id") != "0123456789abcdef" {
			t.Errorf("missing provider headers: %v", r.Header)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["phone"] != "79120000000" || body["deviceId"] != "0123456789abcdef" {
			t.Errorf("unexpected body %v", body)
		}
		w.Write([]byte(`{"authId": 4242}`))
	})

	authID, err := c.RequestCode(context.Background(), "79120000000")
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if authID != "4242" {
		t.Fatalf("expected numeric auth id as string, got %q", authID)
	}
}

func TestCheckCodeAndGetToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		switch r.URL.Path {
		case "/mobile/auth/check-confirm":
			if r.Form.Get("confirmCode") != "1234" || r.Form.Get("authId") != "a1" {
				t.Errorf("unexpected form %v", r.Form)
			}
			w.Write([]byte(`{"authId":"a2","addresses":[{"USER_ID":"77","ADDRESS":"Lenina 1"},{"USER_ID":78,"ADDRESS":"Mira 2"}]}`))
		case "/mobile/auth/get-token":
			if r.Form.Get("authId") != "a2" || r.Form.Get("userId") != "77" || r.Form.Get("uniqueDeviceId") != "0123456789abcdef" {
				t.Errorf("unexpected form %v", r.Form)
			}
			w.Write([]byte(`{"TOKEN":"tok","USER_ID":77,"PROFILE_ID":"5","ACCESS_END":"2030-01-02 03:04:05"}`))
		default:
			http.NotFound(w, r)
		}
	})

	conf, err := c.CheckCode(context.Background(), "79120000000", "1234", "a1")
	if err != nil {
		t.Fatalf("CheckCode: %v", err)
	}
	if conf.AuthID != "a2" || len(conf.Accounts) != 2 || conf.Accounts[0].UserID != 77 {
		t.Fatalf("unexpected confirmation %+v", conf)
	}

	grant, err := c.GetToken(context.Background(), conf.AuthID, conf.Accounts[0].UserID)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	want := time.Date(2030, 1, 2, 3, 4, 5, 0, time.Local)
	if grant.AccessToken != "tok" || grant.ProfileID != 5 || !grant.ExpiresAt.Equal(want) {
		t.Fatalf("unexpected grant %+v", grant)
	}
}

func TestGetTokenFallbackExpiry(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"TOKEN":"tok","ACCESS_END":"soon"}`))
	})
	grant, err := c.GetToken(context.Background(), "a", 1)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if time.Until(grant.ExpiresAt) < 364*24*time.Hour {
		t.Fatalf("expected one year fallback, got %v", grant.ExpiresAt)
	}
	if grant.UserID != 1 {
		t.Fatalf("user id should default to the requested one")
	}
}

func TestListRelaysFallsBackToMainRelays(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		if r.URL.Query().Get("isShared") == "1" {
			w.Write([]byte(`[]`))
			return
		}
		if r.URL.Query().Get("mainFirst") != "1" {
			t.Errorf("fallback query missing mainFirst: %v", r.URL.Query())
		}
		w.Write([]byte(`{"items":[
			{"MAC_ADDR":"AA:BB:CC:DD:EE:FF","RELAY_TYPE":"Подъезд","ADDRESS":"Lenina 1","STATUS_CODE":"0","OPENER":{"relay_id":"901","relay_num":2}},
			{"MAC":"11:22:33:44:55:66","RELAY_ID":902,"ADDRESS":"Mira 2","STATUS_TEXT":"FAIL"}
		]}`))
	})

	relays, err := c.ListRelays(context.Background(), "tok")
	if err != nil {
		t.Fatalf("ListRelays: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected fallback request, got %d calls", calls)
	}
	if len(relays) != 2 {
		t.Fatalf("expected 2 relays, got %d", len(relays))
	}
	first, second := relays[0], relays[1]
	if first.MAC != "AA:BB:CC:DD:EE:FF" || first.RelayID != 901 || first.RelayNum != 2 || first.Status != RelayOnline || first.Name != "Подъезд" {
		t.Fatalf("unexpected first relay %+v", first)
	}
	if second.RelayID != 902 || second.RelayNum != 1 || second.Status != RelayOffline || second.Name != "Mira 2" {
		t.Fatalf("unexpected second relay %+v", second)
	}
}

func TestRelayStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want RelayStatus
	}{
		{`{"MAC_ADDR":"AA:BB","RELAY_ID":5,"STATUS":"online"}`, RelayOnline},
		{`{"MAC_ADDR":"AA:BB","RELAY_ID":5,"status":"online"}`, RelayOnline},
		{`{"MAC_ADDR":"AA:BB","RELAY_ID":5,"STATUS":"OK"}`, RelayOnline},
		{`{"MAC_ADDR":"AA:BB","RELAY_ID":5,"STATUS_CODE":0}`, RelayOnline},
		{`{"MAC_ADDR":"AA:BB","RELAY_ID":5,"STATUS_CODE":"3","STATUS":"online"}`, RelayOnline},
		{`{"MAC_ADDR":"AA:BB","RELAY_ID":5,"STATUS":"offline"}`, RelayOffline},
		{`{"MAC_ADDR":"AA:BB","RELAY_ID":5,"STATUS_CODE":"3"}`, RelayOffline},
		{`{"MAC_ADDR":"AA:BB","RELAY_ID":5,"STATUS":"unknown"}`, RelayUnknown},
		{`{"MAC_ADDR":"AA:BB","RELAY_ID":5}`, RelayUnknown},
	}
	for _, tc := range cases {
		var it relayItem
		if err := json.Unmarshal([]byte(tc.raw), &it); err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got := it.relay().Status; got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.raw, tc.want, got)
		}
	}
}

func TestOpenRelay(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/domofon/relays/901/open" || r.URL.Query().Get("from") != "app" {
			t.Errorf("unexpected open request %s", r.URL)
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := c.OpenRelay(context.Background(), "tok", 901); err != nil {
		t.Fatalf("OpenRelay: %v", err)
	}
}

func TestAPIErrorCarriesProviderReason(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"Неверный код","phone":"79120000000"}`))
	})
	_, err := c.CheckCode(context.Background(), "79120000000", "0000", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 400 || apiErr.Message != "Неверный код" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if strings.Contains(apiErr.Body, "79120000000") {
		t.Fatalf("phone leaked into logged body: %s", apiErr.Body)
	}
	if !IsRejected(err) {
		t.Fatalf("400 should count as rejected")
	}

	classified := Classify(failure.CommandFailed, "door did not open", err)
	if failure.KindOf(classified) != failure.CommandFailed || failure.Reason(classified) != "door did not open: Неверный код" {
		t.Fatalf("unexpected classification %v", classified)
	}
}

func TestTimeoutIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Retry: retry.Policy{MaxAttempts: 3}})
	err := c.OpenRelay(context.Background(), "tok", 1)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("timeouts must be left to the caller, got %d attempts", n)
	}
}

func TestConnectionErrorsAreRetried(t *testing.T) {
	var attempts int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New("connection refused")
		}
		return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(`{}`)), Header: http.Header{}}, nil
	})
	c := NewClient(Options{
		BaseURL:    "http://provider.invalid",
		Retry:      retry.Policy{MaxAttempts: 3},
		HTTPClient: &http.Client{Transport: transport},
	})
	if err := c.OpenRelay(context.Background(), "tok", 1); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestPushTokenRegistersDevice(t *testing.T) {
	var registered bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/crm/api/auth-lk":
			r.ParseForm()
			if r.Form.Get("token") != "access" || r.Form.Get("buyerId") != "1" {
				t.Errorf("unexpected auth-lk form %v", r.Form)
			}
			w.Write([]byte(`{"TOKEN":"crm.jwt.token"}`))
		case "/crm/api/user-device":
			if r.Method != http.MethodPut || r.Header.Get("Authorization") != "Bearer crm.jwt.token" {
				t.Errorf("unexpected registration %s %v", r.Method, r.Header)
			}
			registered = true
			w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	})

	token, err := c.PushToken(context.Background(), "access")
	if err != nil {
		t.Fatalf("PushToken: %v", err)
	}
	if token != "crm.jwt.token" || !registered {
		t.Fatalf("unexpected token %q registered=%v", token, registered)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestClassifyNetworkError(t *testing.T) {
	err := Classify(failure.CommandFailed, "door did not open", &NetworkError{Op: "POST", Err: errors.New("refused")})
	if failure.KindOf(err) != failure.ProviderUnavailable {
		t.Fatalf("expected ProviderUnavailable, got %v", err)
	}
}
