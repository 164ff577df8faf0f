package dnssync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

const defaultResolver = "1.1.1.1:53"

// Delegation is the result of one NS probe.
type Delegation struct {
	Zone        string   `json:"zone"`
	NameServers []string `json:"name_servers"`
	Delegated   bool     `json:"delegated"`
}

// Prober checks where a zone's delegation currently points. The reconciler
// only manages zones the provider answers for, so a probe showing foreign
// name servers explains why records for a configured domain never converge.
type Prober struct {
	Resolver string
	Timeout  time.Duration
}

// NewProber builds a Prober against the default public resolver.
func NewProber() *Prober {
	return &Prober{Resolver: defaultResolver, Timeout: 5 * time.Second}
}

// Check queries the NS set of zone and reports whether it points at the
// provider's name servers.
func (p *Prober) Check(ctx context.Context, zone string) (Delegation, error) {
	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(zone, "."))
	if err != nil {
		return Delegation{}, fmt.Errorf("normalize zone %q: %w", zone, err)
	}

	client := &dns.Client{Timeout: p.Timeout}
	msg := dns.Msg{}
	msg.SetQuestion(dns.Fqdn(ascii), dns.TypeNS)

	resp, _, err := client.ExchangeContext(ctx, &msg, p.Resolver)
	if err != nil {
		return Delegation{}, fmt.Errorf("ns query for %s: %w", zone, err)
	}
	if resp == nil {
		return Delegation{}, fmt.Errorf("ns query for %s: nil response", zone)
	}
	if resp.Rcode != dns.RcodeSuccess {
		code := dns.RcodeToString[resp.Rcode]
		return Delegation{}, fmt.Errorf("ns query for %s: %s", zone, code)
	}

	result := Delegation{Zone: ascii}
	for _, rr := range resp.Answer {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		host := strings.TrimSuffix(strings.ToLower(ns.Ns), ".")
		result.NameServers = append(result.NameServers, host)
		if strings.HasSuffix(host, ".ns.cloudflare.com") {
			result.Delegated = true
		}
	}
	return result, nil
}
