package provider

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks the fields the gateway relies on. allowPrivate permits base URLs on
// loopback and private networks.
func (p *Provider) Validate(allowPrivate bool) error {
	var errs []error
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !p.Type.Valid() {
		errs = append(errs, fmt.Errorf("unknown type %q (want %q or %q)", p.Type, TypeNative, TypeOpenAIResponse))
	}
	if err := ValidateBaseURL(p.BaseURL, allowPrivate); err != nil {
		errs = append(errs, err)
	}
	if p.Weight < 0 {
		errs = append(errs, errors.New("weight cannot be negative"))
	}
	if p.CostMultiplier < 0 {
		errs = append(errs, errors.New("cost_multiplier cannot be negative"))
	}
	if p.MaxConcurrentSessions < 0 {
		errs = append(errs, errors.New("max_concurrent_sessions cannot be negative"))
	}
	for name, limit := range map[string]*float64{
		"limit_5h_usd":      p.Limit5hUSD,
		"limit_weekly_usd":  p.LimitWeeklyUSD,
		"limit_monthly_usd": p.LimitMonthlyUSD,
	} {
		if limit != nil && *limit < 0 {
			errs = append(errs, fmt.Errorf("%s cannot be negative", name))
		}
	}
	return errors.Join(errs...)
}

// ValidateBaseURL validates a provider base URL.
//
// It rejects userinfo, query and fragment and, unless allowPrivate is set,
// loopback/private/link-local hosts (common SSRF targets).
func ValidateBaseURL(raw string, allowPrivate bool) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base_url scheme %q (must be http or https)", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("invalid base_url host %q", u.Host)
	}
	if u.User != nil {
		return errors.New("base_url must not contain userinfo")
	}
	if u.RawQuery != "" {
		return errors.New("base_url must not contain query")
	}
	if u.Fragment != "" {
		return errors.New("base_url must not contain fragment")
	}
	if !allowPrivate && isPrivateOrLoopbackHost(u.Hostname()) {
		return fmt.Errorf("base_url host %q is private/loopback (set allow_private_base_url to override)", u.Hostname())
	}
	return nil
}

func isPrivateOrLoopbackHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}

	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	// Reject other non-global unicast ranges (e.g. multicast).
	return !ip.IsGlobalUnicast()
}
