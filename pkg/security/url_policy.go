// Package security holds checks applied to user supplied URLs before they are
// stored or handed to other services.
package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// URLPolicy restricts the URLs a caller may reference.
type URLPolicy struct {
	// Schemes lists the accepted URL schemes. Empty accepts https only.
	Schemes []string
	// AllowLocalNetworks permits loopback, private and link-local targets.
	AllowLocalNetworks bool
}

// AttachmentPolicy accepts object storage and https URLs on public hosts.
var AttachmentPolicy = URLPolicy{Schemes: []string{"https", "s3", "gs"}}

// EndpointPolicy is used for configured service endpoints, which are usually
// local during development.
var EndpointPolicy = URLPolicy{Schemes: []string{"https", "http"}, AllowLocalNetworks: true}

func (p URLPolicy) allowsScheme(scheme string) bool {
	if len(p.Schemes) == 0 {
		return scheme == "https"
	}
	for _, s := range p.Schemes {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}

// Check returns an error describing why rawURL is rejected, or nil.
func (p URLPolicy) Check(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid url")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return errors.New("url has no scheme")
	}
	if !p.allowsScheme(scheme) {
		return errors.Errorf("url scheme %q is not allowed", scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return errors.New("url has no host")
	}
	if p.AllowLocalNetworks {
		return nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return errors.Errorf("local host %q is not allowed", host)
	}

	// IP literals are checked without resolving names
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if addr.Zone() != "" {
		return errors.Errorf("zoned address %q is not allowed", host)
	}
	addr = addr.Unmap()
	switch {
	case addr.IsUnspecified(), addr.IsMulticast():
		return errors.Errorf("address %q is not allowed", host)
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return errors.Errorf("local network address %q is not allowed", host)
	}
	return nil
}
