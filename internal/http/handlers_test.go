package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wxbridge/internal/reply"
	"github.com/nextlevelbuilder/wxbridge/pkg/protocol"
)

type fakeReplier struct {
	target, content string
	res             *reply.Result
}

func (f *fakeReplier) Send(_ context.Context, target, content string) *reply.Result {
	f.target, f.content = target, content
	return f.res
}

func newMux(replier Replier, limiter *RateLimiter) *http.ServeMux {
	mux := http.NewServeMux()
	NewStatusHandler(func() protocol.Status {
		return protocol.Status{DataDir: "/data", PollIntervalSeconds: 1, ProcessedCount: 3}
	}, "tok").RegisterRoutes(mux)
	NewReplyHandler(replier, "tok", limiter).RegisterRoutes(mux)
	mux.HandleFunc("GET "+protocol.PathHealth, HandleHealth)
	return mux
}

func do(mux http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestStatusRequiresToken(t *testing.T) {
	mux := newMux(&fakeReplier{}, nil)

	if rec := do(mux, "GET", protocol.PathStatus, "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: code = %d", rec.Code)
	}
	if rec := do(mux, "GET", protocol.PathStatus, "wrong", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: code = %d", rec.Code)
	}

	rec := do(mux, "GET", protocol.PathStatus, "tok", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var st protocol.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.DataDir != "/data" || st.ProcessedCount != 3 {
		t.Errorf("status = %+v", st)
	}
}

func TestHealthIsOpen(t *testing.T) {
	if rec := do(newMux(&fakeReplier{}, nil), "GET", protocol.PathHealth, "", ""); rec.Code != http.StatusOK {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestReply(t *testing.T) {
	f := &fakeReplier{res: reply.NewResult("sent to group_with_AI")}
	mux := newMux(f, nil)

	rec := do(mux, "POST", protocol.PathReply, "tok", `{"target":"group_with_AI","content":"回复内容"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body)
	}
	var out protocol.ReplyResult
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.IsError || out.ResultText != "sent to group_with_AI" {
		t.Errorf("out = %+v", out)
	}
	if f.target != "group_with_AI" || f.content != "回复内容" {
		t.Errorf("replier got %q/%q", f.target, f.content)
	}

	f.res = reply.ErrorResult("send to group_with_AI failed: timed out after 30s")
	rec = do(mux, "POST", protocol.PathReply, "tok", `{"target":"group_with_AI","content":"x"}`)
	json.Unmarshal(rec.Body.Bytes(), &out)
	if rec.Code != http.StatusOK || !out.IsError {
		t.Errorf("failure: code=%d out=%+v", rec.Code, out)
	}
}

func TestReplyBadRequests(t *testing.T) {
	mux := newMux(&fakeReplier{res: reply.NewResult("ok")}, nil)
	tests := []struct {
		name, body string
	}{
		{"invalid json", `{"target":`},
		{"missing target", `{"content":"x"}`},
		{"missing content", `{"target":"g"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(mux, "POST", protocol.PathReply, "tok", tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("code = %d", rec.Code)
			}
		})
	}
	if rec := do(mux, "GET", protocol.PathReply, "tok", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET reply code = %d", rec.Code)
	}
}

func TestReplyRateLimited(t *testing.T) {
	mux := newMux(&fakeReplier{res: reply.NewResult("ok")}, NewRateLimiter(2, time.Minute))
	body := `{"target":"g","content":"x"}`
	for i := 0; i < 2; i++ {
		if rec := do(mux, "POST", protocol.PathReply, "tok", body); rec.Code != http.StatusOK {
			t.Fatalf("request %d code = %d", i, rec.Code)
		}
	}
	if rec := do(mux, "POST", protocol.PathReply, "tok", body); rec.Code != http.StatusTooManyRequests {
		t.Errorf("third request code = %d", rec.Code)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(0, 0)
	rl := NewRateLimiter(1, time.Minute)
	rl.now = func() time.Time { return now }
	if !rl.Allow("a") || rl.Allow("a") {
		t.Fatal("second hit in window should be denied")
	}
	if !rl.Allow("b") {
		t.Error("keys are independent")
	}
	now = now.Add(time.Minute)
	if !rl.Allow("a") {
		t.Error("new window should allow")
	}
}

func TestCompareTokens(t *testing.T) {
	if !compareTokens("abc", "abc") || compareTokens("abc", "abcd") || compareTokens("", "x") {
		t.Error("compareTokens mismatch")
	}
}
