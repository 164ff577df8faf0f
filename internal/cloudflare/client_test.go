package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestListRecordsPaged(t *testing.T) {
	var pagesServed []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/zones/z1/dns_records" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		page := r.URL.Query().Get("page")
		pagesServed = append(pagesServed, len(pagesServed)+1)
		body := map[string]any{
			"success": true,
			"result": []Record{
				{ID: "r" + page, Type: "A", Name: "example.com", Content: "1.1.1." + page},
			},
			"result_info": map[string]int{"page": len(pagesServed), "total_pages": 2},
		}
		json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	c := NewClient("token-1", "", nil).WithBaseURL(srv.URL)
	recs, err := c.ListRecords(context.Background(), "z1")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records across pages, got %d", len(recs))
	}
	if len(pagesServed) != 2 {
		t.Errorf("expected 2 page requests, got %d", len(pagesServed))
	}
}

func TestAPIErrorIsTerminal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"success":false,"errors":[{"code":81057,"message":"record already exists"}]}`)
	}))
	defer srv.Close()

	c := NewClient("t", "", nil).WithBaseURL(srv.URL)
	_, err := c.CreateRecord(context.Background(), "z1", Record{Type: "A", Name: "example.com", Content: "1.1.1.1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls)
	}
}

func TestOriginCAUsesServiceKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Auth-User-Service-Key"); got != "ca-key" {
			t.Errorf("expected service key header, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("unexpected bearer header %q", got)
		}
		fmt.Fprint(w, `{"success":true,"result":{"id":"cert-1","hostnames":["example.com","*.example.com"],"expires_on":"2041-01-01 00:00:00 +0000 UTC"}}`)
	}))
	defer srv.Close()

	c := NewClient("t", "ca-key", nil).WithBaseURL(srv.URL)
	cert, err := c.CreateOriginCertificate(context.Background(), OriginCertificateRequest{
		Hostnames: []string{"example.com", "*.example.com"}, CSR: "csr", RequestType: "origin-rsa", RequestedValidity: 5475,
	})
	if err != nil {
		t.Fatalf("create origin certificate: %v", err)
	}
	if cert.ID != "cert-1" {
		t.Errorf("unexpected cert %+v", cert)
	}
	exp, err := cert.ExpiresAt()
	if err != nil {
		t.Fatalf("parse expiry: %v", err)
	}
	if exp.Year() != 2041 {
		t.Errorf("unexpected expiry %v", exp)
	}
}

func TestFetchIPRanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"result":{"ipv4_cidrs":["1.0.0.0/24"],"ipv6_cidrs":["2400::/32"]}}`)
	}))
	defer srv.Close()

	c := NewClient("t", "", nil).WithBaseURL(srv.URL)
	got, err := c.FetchIPRanges(context.Background())
	if err != nil {
		t.Fatalf("fetch ip ranges: %v", err)
	}
	if len(got) != 2 || got[0] != "1.0.0.0/24" || got[1] != "2400::/32" {
		t.Errorf("unexpected ranges %v", got)
	}
}

func TestExpiresAtParsesGoFormat(t *testing.T) {
	cert := OriginCertificate{ExpiresOn: "2029-01-01 00:00:00 +0000 UTC"}
	exp, err := cert.ExpiresAt()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)
	if !exp.Equal(want) {
		t.Errorf("got %v, want %v", exp, want)
	}
}
