package authapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestQueueUpdated_BodyErrors(t *testing.T) {
	e := newTestEnv(t)
	_, first := login(t, e)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{name: "trailing object", body: `{"doctorId":"doc-7","date":"2026-03-14"}{}`, wantCode: http.StatusBadRequest, wantErr: codeInvalidJSON},
		{name: "empty", body: ``, wantCode: http.StatusBadRequest, wantErr: codeInvalidJSON},
		{name: "oversized", body: `{"doctorId":"` + strings.Repeat("x", 70<<10) + `"}`, wantCode: http.StatusRequestEntityTooLarge, wantErr: codePayloadTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/realtime/events/queue-updated", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+first.Tokens.AccessToken)
			rr := httptest.NewRecorder()
			e.mux.ServeHTTP(rr, req)

			if rr.Code != tc.wantCode {
				t.Fatalf("status=%d, want %d body=%s", rr.Code, tc.wantCode, rr.Body.String())
			}
			var body errorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Error.Code != tc.wantErr {
				t.Fatalf("code=%q, want %q", body.Error.Code, tc.wantErr)
			}
			if got := rr.Header().Get("Cache-Control"); got != "no-store" {
				t.Fatalf("Cache-Control=%q", got)
			}
			if n := len(e.pub.events); n != 0 {
				t.Fatalf("published %d messages on a rejected body", n)
			}
		})
	}
}
