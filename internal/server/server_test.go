package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/salloc/302-tts/pkg/history"
	"github.com/salloc/302-tts/pkg/history/sqlstore"
)

func newTestServer(t *testing.T) (*httptest.Server, *sqlstore.Store) {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("sqlite:file:srv-%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", t.Name())
	st, err := sqlstore.Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(New(st, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	// create
	body := bytes.NewBufferString(`{
		"platform": "openai",
		"speaker": "alloy",
		"language": "en-US",
		"speed": 1.0,
		"genBy": "text",
		"text": "hello from the api",
		"audio": "UklGRg=="
	}`)
	res, err := http.Post(srv.URL+"/api/sessions", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d", res.StatusCode)
	}
	var created history.Session
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if created.ID == "" {
		t.Fatal("missing session id")
	}
	if len(created.Audio) == 0 {
		t.Fatal("audio not stored")
	}

	// get
	res2, err := http.Get(srv.URL + "/api/sessions/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("get status=%d", res2.StatusCode)
	}
	var got history.Session
	if err := json.NewDecoder(res2.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	_ = res2.Body.Close()
	if got.Text != "hello from the api" {
		t.Fatalf("text=%q", got.Text)
	}

	// patch
	patch := bytes.NewBufferString(`{"text": "edited"}`)
	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/sessions/"+created.ID, patch)
	req.Header.Set("Content-Type", "application/json")
	res3, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if res3.StatusCode != http.StatusOK {
		t.Fatalf("patch status=%d", res3.StatusCode)
	}
	var updated history.Session
	if err := json.NewDecoder(res3.Body).Decode(&updated); err != nil {
		t.Fatal(err)
	}
	_ = res3.Body.Close()
	if updated.Text != "edited" || updated.Speaker != "alloy" {
		t.Fatalf("patch result: %#v", updated)
	}
	if updated.UpdatedAt < created.UpdatedAt {
		t.Fatal("updatedAt went backwards")
	}

	// delete
	req2, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/"+created.ID, nil)
	res4, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	_ = res4.Body.Close()
	if res4.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status=%d", res4.StatusCode)
	}

	// gone
	res5, err := http.Get(srv.URL + "/api/sessions/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	_ = res5.Body.Close()
	if res5.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status=%d", res5.StatusCode)
	}
}

func TestListPaginationAndFilter(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		text := fmt.Sprintf("clip %02d", i)
		if i%2 == 0 {
			text = fmt.Sprintf("Hello clip %02d", i)
		}
		if _, err := st.Create(ctx, history.Session{
			Platform: history.PlatformMinimax,
			Speaker:  "female-yujie",
			Speed:    1.0,
			GenBy:    history.GenByText,
			Text:     text,
		}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := http.Get(srv.URL + "/api/sessions?page=2&page_size=5")
	if err != nil {
		t.Fatal(err)
	}
	var page history.Page
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if len(page.Results) != 5 || page.TotalPages != 3 || page.CurrentPage != 2 {
		t.Fatalf("page=%d/%d len=%d", page.CurrentPage, page.TotalPages, len(page.Results))
	}

	res2, err := http.Get(srv.URL + "/api/sessions?text=hello&page=1&page_size=20")
	if err != nil {
		t.Fatal(err)
	}
	var filtered history.Page
	if err := json.NewDecoder(res2.Body).Decode(&filtered); err != nil {
		t.Fatal(err)
	}
	_ = res2.Body.Close()
	if len(filtered.Results) != 6 {
		t.Fatalf("substring filter returned %d results", len(filtered.Results))
	}
}

func TestDeleteAllAndBatch(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := st.Create(ctx, history.Session{
			Platform: history.PlatformMoon,
			Speaker:  "luna",
			Speed:    1.0,
			GenBy:    history.GenByText,
			Text:     fmt.Sprintf("n%d", i),
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}

	// batch delete two
	body := bytes.NewBufferString(fmt.Sprintf(`{"ids": [%q, %q]}`, ids[0], ids[1]))
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions", body)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batch delete status=%d", res.StatusCode)
	}
	if n, _ := st.Count(ctx); n != 1 {
		t.Fatalf("count=%d after batch delete", n)
	}

	// delete the rest
	req2, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions", nil)
	res2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := json.NewDecoder(res2.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	_ = res2.Body.Close()
	if out.Deleted != 1 {
		t.Fatalf("deleted=%d", out.Deleted)
	}
	if n, _ := st.Count(ctx); n != 0 {
		t.Fatalf("count=%d after delete all", n)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", res.StatusCode)
	}
}
