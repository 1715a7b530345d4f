package admit

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type evaluateBody struct {
	Route  string `json:"route" query:"route" validate:"required"`
	Caller string `json:"caller" query:"caller" validate:"required,max=16"`
	Count  int    `json:"count" query:"count" validate:"omitempty,min=1"`
}

func bindHandler(decode func(*http.Request, any) bool) http.Handler {
	return Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var req evaluateBody
		if !decode(r, &req) {
			return
		}
		SetResponse(r, http.StatusOK, req)
	}))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *APIError {
	t.Helper()
	var resp struct {
		Error *APIError `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected error body")
	}
	return resp.Error
}

func TestJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
		wantParams []string
	}{
		{
			name:       "valid",
			body:       `{"route": "orders", "caller": "10.0.0.1"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "malformed",
			body:       `{"route": `,
			wantStatus: http.StatusBadRequest,
			wantCode:   "bad_request",
		},
		{
			name:       "missing fields",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
			wantParams: []string{"route", "caller"},
		},
		{
			name:       "field constraints",
			body:       `{"route": "orders", "caller": "a-very-long-caller-id", "count": -1}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
			wantParams: []string{"caller", "count"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			bindHandler(JSON).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantCode == "" {
				return
			}

			apiErr := decodeError(t, rec)
			if apiErr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", apiErr.Code, tt.wantCode)
			}
			if len(apiErr.Errors) != len(tt.wantParams) {
				t.Fatalf("errors = %+v, want params %v", apiErr.Errors, tt.wantParams)
			}
			for i, p := range tt.wantParams {
				if apiErr.Errors[i].Param != p {
					t.Errorf("errors[%d].param = %q, want %q", i, apiErr.Errors[i].Param, p)
				}
			}
		})
	}
}

func TestQuery(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		want       evaluateBody
	}{
		{
			name:       "valid",
			query:      "?route=orders&caller=abc&count=3",
			wantStatus: http.StatusOK,
			want:       evaluateBody{Route: "orders", Caller: "abc", Count: 3},
		},
		{
			name:       "bad integer",
			query:      "?route=orders&caller=abc&count=three",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing caller",
			query:      "?route=orders",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			rec := httptest.NewRecorder()
			bindHandler(Query).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got evaluateBody
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMaxBodySize(t *testing.T) {
	handler := Handler()(MaxBodySize(32)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var req evaluateBody
		if !JSON(r, &req) {
			return
		}
		SetResponse(r, http.StatusOK, nil)
	})))

	t.Run("content length", func(t *testing.T) {
		body := `{"route": "orders", "caller": "0123456789abcdef"}`
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", rec.Code)
		}
	})

	t.Run("chunked", func(t *testing.T) {
		body := `{"route": "orders", "caller": "0123456789abcdef"}`
		req := httptest.NewRequest(http.MethodPost, "/", io.NopCloser(strings.NewReader(body)))
		req.ContentLength = -1
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", rec.Code)
		}
	})

	t.Run("within limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"route":"a","caller":"b"}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("without state", func(t *testing.T) {
		plain := MaxBodySize(4)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too long"))
		rec := httptest.NewRecorder()
		plain.ServeHTTP(rec, req)

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", rec.Code)
		}
		if apiErr := decodeError(t, rec); apiErr.Code != "payload_too_large" {
			t.Errorf("code = %q", apiErr.Code)
		}
	})
}
