package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// Zone is one DNS zone as the provider reports it.
type Zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Record is a provider DNS record. Name is always the FQDN.
type Record struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Content  string `json:"content"`
	TTL      int    `json:"ttl,omitempty"`
	Priority *int   `json:"priority,omitempty"`
	Proxied  *bool  `json:"proxied,omitempty"`
}

// OriginCertificate is a certificate issued by the provider's origin CA.
type OriginCertificate struct {
	ID                string   `json:"id"`
	Hostnames         []string `json:"hostnames"`
	ExpiresOn         string   `json:"expires_on"`
	Certificate       string   `json:"certificate"`
	RequestType       string   `json:"request_type"`
	RequestedValidity int      `json:"requested_validity"`
}

// ExpiresAt parses the certificate expiry. The origin CA reports it in a
// non-RFC3339 format ("2029-01-01 00:00:00 +0000 UTC").
func (c OriginCertificate) ExpiresAt() (time.Time, error) {
	return dateparse.ParseAny(c.ExpiresOn)
}

// OriginCertificateRequest is the issue request for the origin CA.
type OriginCertificateRequest struct {
	Hostnames         []string `json:"hostnames"`
	CSR               string   `json:"csr"`
	RequestType       string   `json:"request_type"`
	RequestedValidity int      `json:"requested_validity"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success    bool            `json:"success"`
	Errors     []apiError      `json:"errors"`
	Result     json.RawMessage `json:"result"`
	ResultInfo struct {
		Page       int `json:"page"`
		TotalPages int `json:"total_pages"`
	} `json:"result_info"`
}

// Client talks to the provider's v4 API. Zone and record calls authenticate
// with the API token, origin CA calls with the separate service key.
type Client struct {
	baseURL     string
	apiToken    string
	originCAKey string
	http        *http.Client
	log         *logrus.Entry
}

// NewClient builds a Client. originCAKey may be empty when the origin CA
// flow is unused.
func NewClient(apiToken, originCAKey string, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		baseURL:     defaultBaseURL,
		apiToken:    apiToken,
		originCAKey: originCAKey,
		http:        &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}
}

// WithBaseURL points the client at a different API endpoint. Used by tests.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimSuffix(u, "/")
	return c
}

// call performs one API request with retries on transport errors and 5xx
// responses. A 4xx or unsuccessful envelope is terminal.
func (c *Client) call(ctx context.Context, method, path string, body any, originCA bool) (envelope, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return envelope{}, fmt.Errorf("encode request: %w", err)
		}
	}

	var env envelope
	op := func() error {
		env = envelope{}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if originCA && c.originCAKey != "" {
			req.Header.Set("X-Auth-User-Service-Key", c.originCAKey)
		} else {
			req.Header.Set("Authorization", "Bearer "+c.apiToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("%s %s: read response: %w", method, path, err)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(raw))
		}

		if err := json.Unmarshal(raw, &env); err != nil {
			return backoff.Permanent(fmt.Errorf("%s %s: decode response: %w", method, path, err))
		}
		if !env.Success {
			msgs := make([]string, 0, len(env.Errors))
			for _, e := range env.Errors {
				msgs = append(msgs, fmt.Sprintf("%d: %s", e.Code, e.Message))
			}
			if len(msgs) == 0 {
				msgs = append(msgs, fmt.Sprintf("status %d", resp.StatusCode))
			}
			return backoff.Permanent(fmt.Errorf("%s %s: api error: %s", method, path, strings.Join(msgs, "; ")))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return envelope{}, perm.Unwrap()
		}
		return envelope{}, err
	}
	return env, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, originCA bool) error {
	env, err := c.call(ctx, method, path, body, originCA)
	if err != nil {
		return err
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%s %s: decode result: %w", method, path, err)
		}
	}
	return nil
}

// doPaged walks every page of a list endpoint, handing each raw result page
// to collect.
func (c *Client) doPaged(ctx context.Context, path string, originCA bool, collect func(json.RawMessage) error) error {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for page := 1; ; page++ {
		pagePath := fmt.Sprintf("%s%spage=%d&per_page=100", path, sep, page)
		env, err := c.call(ctx, http.MethodGet, pagePath, nil, originCA)
		if err != nil {
			return err
		}
		if err := collect(env.Result); err != nil {
			return err
		}
		if env.ResultInfo.TotalPages == 0 || page >= env.ResultInfo.TotalPages {
			return nil
		}
	}
}

func truncate(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

// ListZones returns every zone the token can see.
func (c *Client) ListZones(ctx context.Context) ([]Zone, error) {
	var zones []Zone
	err := c.doPaged(ctx, "/zones", false, func(raw json.RawMessage) error {
		var page []Zone
		if err := json.Unmarshal(raw, &page); err != nil {
			return fmt.Errorf("decode zones: %w", err)
		}
		zones = append(zones, page...)
		return nil
	})
	return zones, err
}

// ListRecords returns every DNS record of a zone.
func (c *Client) ListRecords(ctx context.Context, zoneID string) ([]Record, error) {
	var records []Record
	err := c.doPaged(ctx, "/zones/"+zoneID+"/dns_records", false, func(raw json.RawMessage) error {
		var page []Record
		if err := json.Unmarshal(raw, &page); err != nil {
			return fmt.Errorf("decode records: %w", err)
		}
		records = append(records, page...)
		return nil
	})
	return records, err
}

// CreateRecord creates one DNS record in a zone.
func (c *Client) CreateRecord(ctx context.Context, zoneID string, rec Record) (Record, error) {
	var out Record
	err := c.do(ctx, http.MethodPost, "/zones/"+zoneID+"/dns_records", rec, &out, false)
	return out, err
}

// UpdateRecord overwrites one DNS record in a zone.
func (c *Client) UpdateRecord(ctx context.Context, zoneID string, rec Record) error {
	return c.do(ctx, http.MethodPut, "/zones/"+zoneID+"/dns_records/"+rec.ID, rec, nil, false)
}

// DeleteRecord deletes one DNS record from a zone.
func (c *Client) DeleteRecord(ctx context.Context, zoneID, recordID string) error {
	return c.do(ctx, http.MethodDelete, "/zones/"+zoneID+"/dns_records/"+recordID, nil, nil, false)
}

// ListOriginCertificates lists origin CA certificates for a zone.
func (c *Client) ListOriginCertificates(ctx context.Context, zoneID string) ([]OriginCertificate, error) {
	var certs []OriginCertificate
	err := c.doPaged(ctx, "/certificates?zone_id="+zoneID, true, func(raw json.RawMessage) error {
		var page []OriginCertificate
		if err := json.Unmarshal(raw, &page); err != nil {
			return fmt.Errorf("decode certificates: %w", err)
		}
		certs = append(certs, page...)
		return nil
	})
	return certs, err
}

// CreateOriginCertificate submits a CSR to the origin CA.
func (c *Client) CreateOriginCertificate(ctx context.Context, req OriginCertificateRequest) (OriginCertificate, error) {
	var out OriginCertificate
	err := c.do(ctx, http.MethodPost, "/certificates", req, &out, true)
	return out, err
}

// RevokeOriginCertificate revokes one origin CA certificate.
func (c *Client) RevokeOriginCertificate(ctx context.Context, certID string) error {
	return c.do(ctx, http.MethodDelete, "/certificates/"+certID, nil, nil, true)
}

type ipsResult struct {
	IPv4CIDRs []string `json:"ipv4_cidrs"`
	IPv6CIDRs []string `json:"ipv6_cidrs"`
}

// FetchIPRanges returns the provider's published edge CIDR ranges, IPv4
// first.
func (c *Client) FetchIPRanges(ctx context.Context) ([]string, error) {
	var res ipsResult
	if err := c.do(ctx, http.MethodGet, "/ips", nil, &res, false); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res.IPv4CIDRs)+len(res.IPv6CIDRs))
	out = append(out, res.IPv4CIDRs...)
	out = append(out, res.IPv6CIDRs...)
	return out, nil
}
