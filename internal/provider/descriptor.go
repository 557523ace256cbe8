package provider

import (
	"strings"

	"github.com/JakeFAU/sitepeek/internal/preview"
)

// UnknownProvider is reported for URLs whose host matches no descriptor.
const UnknownProvider = "unknown"

// Descriptor describes one provider endpoint at one size tier.
type Descriptor struct {
	Name     string
	Host     string
	Priority int
	Width    int
	Height   int
	build    func(encoded string) string
}

// BuildRequestURL embeds the percent-encoded target into the provider template.
func (d Descriptor) BuildRequestURL(target preview.TargetURL) string {
	return d.build(EncodeComponent(target.String()))
}

// MatchesHost reports whether host belongs to this provider. Subdomains of
// the provider host match.
func (d Descriptor) MatchesHost(host string) bool {
	host = strings.ToLower(host)
	want := strings.ToLower(d.Host)
	return host == want || strings.HasSuffix(host, "."+want)
}
