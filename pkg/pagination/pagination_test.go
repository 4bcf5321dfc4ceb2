package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"?_count=10&_offset=20", 10, 20},
		{"?_count=5000", MaxLimit, 0},
		{"?_count=-1&_offset=-5", DefaultLimit, 0},
		{"?_count=abc", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := FromContext(contextFor("/" + tt.query))
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%q: got %+v, want limit %d offset %d", tt.query, p, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestSlice(t *testing.T) {
	items := []int{0, 1, 2, 3, 4}
	if got := Slice(items, Params{Limit: 2, Offset: 1}); len(got) != 2 || got[0] != 1 {
		t.Errorf("unexpected page %v", got)
	}
	if got := Slice(items, Params{Limit: 10, Offset: 3}); len(got) != 2 {
		t.Errorf("expected short last page, got %v", got)
	}
	if got := Slice(items, Params{Limit: 2, Offset: 9}); len(got) != 0 {
		t.Errorf("expected empty page past the end, got %v", got)
	}
}

func TestLinks(t *testing.T) {
	p := Params{Limit: 2, Offset: 2}
	links := p.Links("/api/v1/provenance", url.Values{"patient": {"p1"}, "_offset": {"99"}}, 5)
	if len(links) != 3 {
		t.Fatalf("expected self, next and previous, got %+v", links)
	}
	rel := map[string]string{}
	for _, l := range links {
		rel[l.Relation] = l.URL
	}
	if !strings.Contains(rel["self"], "_offset=2") || !strings.Contains(rel["self"], "patient=p1") {
		t.Errorf("unexpected self link %q", rel["self"])
	}
	if !strings.Contains(rel["next"], "_offset=4") {
		t.Errorf("unexpected next link %q", rel["next"])
	}
	if !strings.Contains(rel["previous"], "_offset=0") {
		t.Errorf("unexpected previous link %q", rel["previous"])
	}

	last := Params{Limit: 2, Offset: 0}.Links("/x", nil, 2)
	if len(last) != 1 {
		t.Errorf("single page should only link to itself, got %+v", last)
	}
}
