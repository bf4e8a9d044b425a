package errmodel

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewAndFrom(t *testing.T) {
	e := Validation("invalid_value", "value rejected", map[string]any{"key": "volume"})
	if e.Category != CategoryValidation || e.Code != "invalid_value" {
		t.Fatalf("unexpected: %#v", e)
	}
	if got := From(e); got != e {
		t.Fatalf("From should return same error instance")
	}
}

func TestFromWrapsUnknownAsPersistence(t *testing.T) {
	e := From(errors.New("disk I/O error"))
	if e.Category != CategoryPersistence || e.Code != "internal" {
		t.Fatalf("unexpected: %#v", e)
	}
}

func TestIsCategory(t *testing.T) {
	err := NotFound("no such session", map[string]any{"id": "abc"})
	if !IsCategory(err, CategoryNotFound) {
		t.Fatal("expected not_found category")
	}
	if IsCategory(err, CategoryStorage) {
		t.Fatal("unexpected storage category")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Validation("invalid_value", "bad", nil), 400},
		{NotFound("missing", nil), 404},
		{StorageUnavailable("engine down", nil), 503},
		{BatchWrite("tx aborted", nil), 500},
		{Persistence("internal", "oops", nil, nil), 500},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Fatalf("HTTPStatus(%s)=%d want %d", c.err.Category, got, c.want)
		}
	}
}

func TestWriteHTTP_StatusAndEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	WriteHTTP(rr, req, NotFound("no such session", nil))
	if rr.Code != 404 {
		t.Fatalf("status=%d want 404", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"category\":\"not_found\"") {
		t.Fatalf("body missing category: %s", body)
	}
	if !strings.Contains(body, "\"code\":\"not_found\"") {
		t.Fatalf("body missing code: %s", body)
	}
}
