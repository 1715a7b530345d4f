package admit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIKey(t *testing.T) {
	tests := []struct {
		name        string
		headers     map[string]string
		opts        []APIKeyOption
		wantStatus  int
		wantMessage string
		wantKey     string
	}{
		{
			name:       "valid header",
			headers:    map[string]string{"X-API-Key": "k1"},
			wantStatus: http.StatusOK,
			wantKey:    "k1",
		},
		{
			name:       "valid bearer",
			headers:    map[string]string{"Authorization": "bearer k2"},
			wantStatus: http.StatusOK,
			wantKey:    "k2",
		},
		{
			name:       "custom header",
			headers:    map[string]string{"X-Admin-Key": "k1"},
			opts:       []APIKeyOption{WithAPIKeyHeader("X-Admin-Key")},
			wantStatus: http.StatusOK,
			wantKey:    "k1",
		},
		{
			name:        "missing",
			wantStatus:  http.StatusUnauthorized,
			wantMessage: "Missing API key",
		},
		{
			name:        "wrong scheme",
			headers:     map[string]string{"Authorization": "Basic azE="},
			wantStatus:  http.StatusUnauthorized,
			wantMessage: "Missing API key",
		},
		{
			name:        "invalid",
			headers:     map[string]string{"X-API-Key": "nope"},
			wantStatus:  http.StatusUnauthorized,
			wantMessage: "Invalid API key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Handler()(APIKey(KeySet("k1", "k2"), tt.opts...)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				key, ok := APIKeyFromContext(r.Context())
				if !ok || key != tt.wantKey {
					t.Errorf("APIKeyFromContext() = %q, %v, want %q", key, ok, tt.wantKey)
				}
				SetResponse(r, http.StatusOK, nil)
			})))

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantMessage != "" {
				if apiErr := decodeError(t, rec); apiErr.Message != tt.wantMessage || apiErr.Type != "auth_error" {
					t.Errorf("error = %+v, want message %q", apiErr, tt.wantMessage)
				}
			}
		})
	}
}

func TestKeySet(t *testing.T) {
	valid := KeySet("alpha", "", "beta")

	for key, want := range map[string]bool{
		"alpha": true,
		"beta":  true,
		"":      false,
		"alph":  false,
		"gamma": false,
	} {
		if got := valid(key); got != want {
			t.Errorf("KeySet(%q) = %v, want %v", key, got, want)
		}
	}
}
