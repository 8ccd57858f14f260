package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/sitechat/internal/config"
	"github.com/zulandar/sitechat/internal/server"
)

// newStack starts a fake website, a fake OpenAI-compatible model and a
// sitechat API wired by buildApp on the memory backend.
func newStack(t *testing.T) (api, site string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	siteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><p>Returns are accepted within 30 days.</p></body></html>")
	}))
	t.Cleanup(siteSrv.Close)

	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Within \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"30 days.\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(llm.Close)

	cfg := config.Default()
	cfg.Retrieval.Backend = config.BackendMemory
	cfg.LLM.BaseURL = llm.URL
	a, err := buildApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	router, err := server.NewRouter(server.StartOpts{Flows: a.orch, Tenants: a.registry})
	if err != nil {
		t.Fatal(err)
	}
	apiSrv := httptest.NewServer(router)
	t.Cleanup(apiSrv.Close)
	return apiSrv.URL, siteSrv.URL
}

func TestAskCmd_IngestAndAsk(t *testing.T) {
	api, site := newStack(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"ask", "--server", api, "--tenant", "shop", "--url", site, "What", "is", "the", "return", "window?"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("ask: %v\n%s", err, buf.String())
	}
	out := buf.String()
	if !strings.Contains(out, "Website data for "+site+" loaded.") {
		t.Errorf("missing scrape confirmation: %q", out)
	}
	if !strings.Contains(out, "Within 30 days.") {
		t.Errorf("missing answer: %q", out)
	}
}

func TestAskCmd_StdinLines(t *testing.T) {
	api, site := newStack(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetIn(strings.NewReader("first question\n\nsecond question\n"))
	cmd.SetArgs([]string{"ask", "--server", api, "--tenant", "shop", "--url", site})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got := strings.Count(buf.String(), "Within 30 days."); got != 2 {
		t.Errorf("answers = %d, want 2:\n%s", got, buf.String())
	}
}

func TestAskCmd_TenantNotInitialized(t *testing.T) {
	api, _ := newStack(t)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"ask", "--server", api, "--tenant", "ghost", "hello"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "Scrape website first") {
		t.Errorf("err = %v", err)
	}
}

func TestNewAPIClient_AddsScheme(t *testing.T) {
	c := newAPIClient("127.0.0.1:5000/", 0)
	if c.base != "http://127.0.0.1:5000" {
		t.Errorf("base = %q", c.base)
	}
}
