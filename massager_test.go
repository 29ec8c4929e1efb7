package massager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, routes func(r chi.Router)) (*httptest.Server, *Client) {
	t.Helper()
	r := chi.NewRouter()
	routes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, NewClient(WithBaseURL(ts.URL), WithReadRetries(0, 0))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestLoginSuccessSendsBearerAfterward(t *testing.T) {
	var auth atomic.Value
	_, c := newTestAPI(t, func(r chi.Router) {
		r.Post("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
			var req LoginRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "alice", req.Username)
			writeJSON(w, http.StatusOK, map[string]string{"token": "tok-1"})
		})
		r.Get("/api/chats", func(w http.ResponseWriter, r *http.Request) {
			auth.Store(r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, map[string]interface{}{"chats": []interface{}{}})
		})
	})

	res := c.Login(context.Background(), " alice ", "pw")
	require.True(t, res.OK, "login failed: %v", res.Err)
	var data LoginData
	require.NoError(t, res.Decode(&data))
	assert.Equal(t, "tok-1", data.Token)

	c.SetToken(data.Token)
	require.True(t, c.ListChats(context.Background()).OK)
	assert.Equal(t, "Bearer tok-1", auth.Load())
}

func TestLoginFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   map[string]string
		target error
		reason Reason
	}{
		{"bad password", http.StatusUnauthorized, map[string]string{"error": "invalid credentials"}, ErrInvalidCredentials, ReasonInvalidCredentials},
		{"unverified", http.StatusUnauthorized, map[string]string{"error": "Email not verified. Please check your inbox."}, ErrEmailNotVerified, ReasonEmailNotVerified},
		{"unverified forbidden", http.StatusForbidden, map[string]string{"error": "email not verified"}, ErrEmailNotVerified, ReasonEmailNotVerified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newTestAPI(t, func(r chi.Router) {
				r.Post("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tt.status, tt.body)
				})
			})
			res := c.Login(context.Background(), "alice", "pw")
			require.False(t, res.OK)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, KindAuth, res.Err.Kind)
			assert.Equal(t, tt.reason, res.Err.Reason)
			assert.True(t, errors.Is(res.Failure(), tt.target))
			assert.Equal(t, tt.body["error"], res.Err.Message)
		})
	}
}

func TestLoginValidatesBeforeNetwork(t *testing.T) {
	var calls int32
	_, c := newTestAPI(t, func(r chi.Router) {
		r.Post("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
		})
	})
	res := c.Login(context.Background(), "  ", "pw")
	require.False(t, res.OK)
	assert.True(t, errors.Is(res.Failure(), ErrValidation))
	assert.Contains(t, res.Err.Message, "username is a required field")
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestRegisterClientErrorIsValidation(t *testing.T) {
	_, c := newTestAPI(t, func(r chi.Router) {
		r.Post("/api/auth/register", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "username already taken"})
		})
	})
	res := c.Register(context.Background(), RegisterRequest{Username: "bob", Email: "bob@example.com", Password: "pw"})
	require.False(t, res.OK)
	assert.Equal(t, KindValidation, res.Err.Kind)
	assert.Equal(t, "username already taken", res.Err.Message)

	res = c.Register(context.Background(), RegisterRequest{Username: "bob", Email: "not-an-email", Password: "pw"})
	require.False(t, res.OK)
	assert.Equal(t, 0, res.Status)
	assert.Contains(t, res.Err.Message, "email must be a valid email address")
}

func TestResendVerificationIdentifier(t *testing.T) {
	got := make(chan ResendVerificationRequest, 2)
	_, c := newTestAPI(t, func(r chi.Router) {
		r.Post("/api/auth/resend-verification", func(w http.ResponseWriter, r *http.Request) {
			var req ResendVerificationRequest
			json.NewDecoder(r.Body).Decode(&req)
			got <- req
			writeJSON(w, http.StatusOK, map[string]string{"message": "sent"})
		})
	})

	require.True(t, c.ResendVerification(context.Background(), "bob@example.com").OK)
	assert.Equal(t, ResendVerificationRequest{Email: "bob@example.com"}, <-got)
	require.True(t, c.ResendVerification(context.Background(), "bob").OK)
	assert.Equal(t, ResendVerificationRequest{Username: "bob"}, <-got)
}

func TestVerifyEmailAndStatus(t *testing.T) {
	_, c := newTestAPI(t, func(r chi.Router) {
		r.Get("/api/auth/verify-email", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("token") != "abc" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid or expired token"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"message": "verified"})
		})
		r.Get("/api/auth/verification-status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
		})
	})

	assert.True(t, c.VerifyEmail(context.Background(), "abc").OK)
	res := c.VerifyEmail(context.Background(), "zzz")
	require.False(t, res.OK)
	assert.Equal(t, KindServer, res.Err.Kind)
	assert.Equal(t, "invalid or expired token", res.Err.Message)

	var st VerificationStatus
	res = c.VerificationStatus(context.Background())
	require.True(t, res.OK)
	require.NoError(t, res.Decode(&st))
	assert.True(t, st.Verified)
}

func TestListChatsMixedIDs(t *testing.T) {
	_, c := newTestAPI(t, func(r chi.Router) {
		r.Get("/api/chats", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"chats":[{"id":1,"name":"A","members":["alice","bob"]},{"id":"x-2","name":"","members":["alice","carol"]}]}`))
		})
	})
	res := c.ListChats(context.Background())
	require.True(t, res.OK)
	var list ChatList
	require.NoError(t, res.Decode(&list))
	require.Len(t, list.Chats, 2)
	assert.Equal(t, ChatID("1"), list.Chats[0].ID)
	assert.Equal(t, ChatID("x-2"), list.Chats[1].ID)
	assert.Equal(t, "Chat with carol", list.Chats[1].DisplayName("alice"))
}

func TestCreateChatEncodesRequest(t *testing.T) {
	_, c := newTestAPI(t, func(r chi.Router) {
		r.Post("/api/chats", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "team", body["chat_name"])
			assert.Equal(t, []interface{}{"bob", "carol"}, body["member_ids"])
			writeJSON(w, http.StatusCreated, map[string]int{"chat_id": 7})
		})
	})
	res := c.CreateChat(context.Background(), "team", []string{"bob", "carol"})
	require.True(t, res.OK)
	var created CreatedChat
	require.NoError(t, res.Decode(&created))
	assert.Equal(t, ChatID("7"), created.Ref())
}

func TestDeleteChatServerError(t *testing.T) {
	_, c := newTestAPI(t, func(r chi.Router) {
		r.Delete("/api/chats/{id}", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "3", chi.URLParam(r, "id"))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database unavailable"})
		})
	})
	res := c.DeleteChat(context.Background(), "3")
	require.False(t, res.OK)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.True(t, errors.Is(res.Failure(), ErrServer))
	assert.Equal(t, "database unavailable", res.Err.Message)
}

func TestListMessagesLimit(t *testing.T) {
	limits := make(chan string, 3)
	_, c := newTestAPI(t, func(r chi.Router) {
		r.Get("/api/chats/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
			limits <- r.URL.Query().Get("limit")
			w.Write([]byte(`{"messages":[{"chat_id":5,"sender":"bob","content":"hi","created_at":"2024-01-02T03:04:05Z"}]}`))
		})
	})

	res := c.ListMessages(context.Background(), "5", 0)
	require.True(t, res.OK)
	assert.Equal(t, "50", <-limits)
	c.ListMessages(context.Background(), "5", 500)
	assert.Equal(t, "100", <-limits)
	c.ListMessages(context.Background(), "5", 1)
	assert.Equal(t, "1", <-limits)

	var list MessageList
	require.NoError(t, res.Decode(&list))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, ChatID("5"), list.Messages[0].ChatID)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), list.Messages[0].Timestamp)
}

// flakyTransport fails the first n round trips with a network error.
type flakyTransport struct {
	fail  int32
	calls int32
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.fail) {
		return nil, errors.New("connection refused")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestReadsRetryWritesDoNot(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"chats": []interface{}{}})
	}))
	defer ts.Close()

	ft := &flakyTransport{fail: 2}
	c := NewClient(WithBaseURL(ts.URL), WithHTTPClient(&http.Client{Transport: ft}), WithReadRetries(2, time.Millisecond))
	res := c.ListChats(context.Background())
	assert.True(t, res.OK)
	assert.Equal(t, int32(3), atomic.LoadInt32(&ft.calls))

	ft = &flakyTransport{fail: 1}
	c = NewClient(WithBaseURL(ts.URL), WithHTTPClient(&http.Client{Transport: ft}), WithReadRetries(2, time.Millisecond))
	res = c.CreateChat(context.Background(), "x", []string{"bob"})
	require.False(t, res.OK)
	assert.True(t, errors.Is(res.Failure(), ErrNetwork))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ft.calls))
}

func TestRealtimeURL(t *testing.T) {
	u, err := NewClient(WithBaseURL("https://chat.example.com/")).RealtimeURL("a b")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/api/ws?token=a+b", u)

	u, err = NewClient(WithBaseURL("http://localhost:8080")).RealtimeURL("t")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/api/ws?token=t", u)
}
