package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var ErrUnsafeWebsite = errors.New("security: website not allowed")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// CheckWebsite reports whether a lead's website may be handed to the
// scraper. It rejects non-HTTP schemes, internal host names and private,
// loopback, link-local or unspecified IP literals. Names are not resolved;
// the scraper runs outside our network.
func CheckWebsite(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: unparseable url", ErrUnsafeWebsite)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme %q", ErrUnsafeWebsite, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeWebsite)
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) || strings.HasSuffix(strings.ToLower(host), ".localhost") {
			return fmt.Errorf("%w: host %q", ErrUnsafeWebsite, host)
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		if err := checkIP(ip); err != nil {
			return fmt.Errorf("%w: %v", ErrUnsafeWebsite, err)
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return errors.New("loopback address")
	case ip.IsPrivate():
		return errors.New("private address")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return errors.New("link-local address")
	case ip.IsUnspecified():
		return errors.New("unspecified address")
	}
	return nil
}
