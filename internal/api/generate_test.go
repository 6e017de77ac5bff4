package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gaspardpetit/imgrelay/internal/config"
	"github.com/gaspardpetit/imgrelay/internal/upstream"
)

type fakeGenerator struct {
	calls []upstream.Request
	img   []byte
	err   error
}

func (f *fakeGenerator) Generate(_ context.Context, req upstream.Request) ([]byte, error) {
	f.calls = append(f.calls, req)
	return f.img, f.err
}

func testConfig() config.ServerConfig {
	var cfg config.ServerConfig
	cfg.SetDefaults()
	return cfg
}

func postGenerate(h http.Handler, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	_, hasPhoto := m["photo"]
	_, hasMessage := m["message"]
	if hasPhoto == hasMessage {
		t.Fatalf("body must carry exactly one of photo/message: %s", rr.Body.String())
	}
	return m
}

func TestGenerateSuccessReturnsBase64(t *testing.T) {
	img := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	gen := &fakeGenerator{img: img}
	h := NewGenerateHandler(gen, testConfig())

	rr := postGenerate(h, `{"prompt":"an astronaut riding a horse","seed":123456}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	m := decodeBody(t, rr)
	got, err := base64.StdEncoding.DecodeString(m["photo"].(string))
	if err != nil {
		t.Fatalf("photo is not base64: %v", err)
	}
	if string(got) != string(img) {
		t.Fatalf("decoded photo = %v; want %v", got, img)
	}
	if len(gen.calls) != 1 {
		t.Fatalf("calls = %d; want 1", len(gen.calls))
	}
	if c := gen.calls[0]; c.Prompt != "an astronaut riding a horse" || c.Seed != "123456" {
		t.Fatalf("upstream request = %+v", c)
	}
	if rr.Header().Get("X-Generation-ID") == "" {
		t.Fatalf("missing X-Generation-ID")
	}
}

func TestGenerateInvalidPrompt(t *testing.T) {
	bodies := []string{
		`{}`,
		`{"prompt":null}`,
		`{"prompt":""}`,
		`{"prompt":42}`,
		`{"prompt":["a"]}`,
		`{"prompt":{"text":"a"}}`,
		`{"prompt":true,"seed":1}`,
		`not json`,
		``,
	}
	for _, body := range bodies {
		gen := &fakeGenerator{img: []byte("x")}
		h := NewGenerateHandler(gen, testConfig())
		rr := postGenerate(h, body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%q: status = %d", body, rr.Code)
		}
		if m := decodeBody(t, rr); m["message"] != MsgInvalidPrompt {
			t.Fatalf("%q: message = %v", body, m["message"])
		}
		if len(gen.calls) != 0 {
			t.Fatalf("%q: upstream called %d times", body, len(gen.calls))
		}
	}
}

func TestGenerateTruncatesLongPrompt(t *testing.T) {
	base := strings.Repeat("é", 500)
	gen := &fakeGenerator{img: []byte("x")}
	h := NewGenerateHandler(gen, testConfig())

	for _, tail := range []string{"", "a", strings.Repeat("zz", 300)} {
		body, _ := json.Marshal(map[string]any{"prompt": base + tail, "seed": 1})
		rr := postGenerate(h, string(body))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
	}
	for i, c := range gen.calls {
		if c.Prompt != base {
			t.Fatalf("call %d prompt has %d runes; want the first 500 only", i, len([]rune(c.Prompt)))
		}
	}
}

func TestGenerateRejectPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.PromptPolicy = config.PromptReject
	gen := &fakeGenerator{img: []byte("x")}
	h := NewGenerateHandler(gen, cfg)

	body, _ := json.Marshal(map[string]string{"prompt": strings.Repeat("a", 501)})
	rr := postGenerate(h, string(body))
	if rr.Code != http.StatusBadRequest || len(gen.calls) != 0 {
		t.Fatalf("status = %d calls = %d", rr.Code, len(gen.calls))
	}
	body, _ = json.Marshal(map[string]string{"prompt": strings.Repeat("a", 500)})
	if rr := postGenerate(h, string(body)); rr.Code != http.StatusOK {
		t.Fatalf("500 chars should pass: %d", rr.Code)
	}
}

func TestGenerateHidesUpstreamFailure(t *testing.T) {
	errs := []error{
		&upstream.StatusError{Code: http.StatusPaymentRequired, Status: "402 Payment Required: key sk-secret exhausted"},
		errors.New("dial tcp 10.1.2.3:443: connect: connection refused"),
		context.DeadlineExceeded,
	}
	for _, e := range errs {
		gen := &fakeGenerator{err: e}
		h := NewGenerateHandler(gen, testConfig())
		rr := postGenerate(h, `{"prompt":"cat"}`)
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", rr.Code)
		}
		if m := decodeBody(t, rr); m["message"] != MsgInternal {
			t.Fatalf("message = %v", m["message"])
		}
		for _, leak := range []string{"402", "sk-secret", "10.1.2.3", "deadline"} {
			if strings.Contains(rr.Body.String(), leak) {
				t.Fatalf("body leaks %q: %s", leak, rr.Body.String())
			}
		}
	}
}

func TestSeedText(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{``, ""},
		{`null`, ""},
		{`42`, "42"},
		{`-1.5e3`, "-1500"},
		{`1e3`, "1000"},
		{`42.0`, "42"},
		{`0.25`, "0.25"},
		{`"777"`, "777"},
		{`"abc"`, "abc"},
		{`true`, "true"},
		{`false`, "false"},
		{`[1]`, ""},
		{`{"a":1}`, ""},
	}
	for _, tt := range tests {
		if got := seedText(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("seedText(%s) = %q; want %q", tt.raw, got, tt.want)
		}
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("héllo", 2); got != "hé" {
		t.Fatalf("got %q", got)
	}
	if got := truncateRunes("hi", 5); got != "hi" {
		t.Fatalf("got %q", got)
	}
}
