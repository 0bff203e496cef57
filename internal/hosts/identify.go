package hosts

import (
	"net/url"
	"strings"
)

// Priority ranks hosts by reliability; lower is better.
type Priority int

const (
	PriorityExcellent    Priority = 1
	PriorityGood         Priority = 2
	PriorityMedium       Priority = 3
	PriorityLow          Priority = 4
	PriorityRequiresAuth Priority = 5
	PriorityBlocked      Priority = 10
)

// HostDirect names plain http(s) links that match no known host.
const HostDirect = "direct"

// Info describes a known file host.
type Info struct {
	Name          string
	DisplayName   string
	Priority      Priority
	RequiresLogin bool
	Domains       []string
}

var knownHosts = []Info{
	{Name: "mediafire", DisplayName: "MediaFire", Priority: PriorityExcellent, Domains: []string{"mediafire.com"}},
	{Name: "fireload", DisplayName: "Fireload", Priority: PriorityExcellent, Domains: []string{"fireload.com"}},
	{Name: "1fichier", DisplayName: "1fichier", Priority: PriorityGood, Domains: []string{"1fichier.com"}},
	{Name: "mega", DisplayName: "MEGA", Priority: PriorityGood, Domains: []string{"mega.nz", "mega.co.nz"}},
	{Name: "gdrive", DisplayName: "Google Drive", Priority: PriorityGood, Domains: []string{"drive.google.com", "docs.google.com"}},
	{Name: "dropbox", DisplayName: "Dropbox", Priority: PriorityGood, Domains: []string{"dropbox.com"}},
	{Name: "uptobox", DisplayName: "Uptobox", Priority: PriorityMedium, Domains: []string{"uptobox.com"}},
	{Name: "ouo", DisplayName: "OUO.io", Priority: PriorityLow, Domains: []string{"ouo.io", "ouo.press"}},
	{Name: "shrinkme", DisplayName: "ShrinkMe", Priority: PriorityLow, Domains: []string{"shrinkme.io"}},
	{Name: "terabox", DisplayName: "TeraBox", Priority: PriorityRequiresAuth, RequiresLogin: true, Domains: []string{"terabox.com", "terabox.app", "1024terabox.com"}},
	{Name: "uploaded", DisplayName: "Uploaded", Priority: PriorityRequiresAuth, RequiresLogin: true, Domains: []string{"uploaded.net", "uploaded.to"}},
	{Name: "zippyshare", DisplayName: "Zippyshare", Priority: PriorityBlocked, Domains: []string{"zippyshare.com"}},
}

var hostsByName = func() map[string]Info {
	m := make(map[string]Info, len(knownHosts))
	for _, info := range knownHosts {
		m[info.Name] = info
	}
	return m
}()

// Identify maps a URL to a known host name. Plain http(s) links on other
// domains are HostDirect; anything unparsable or non-http returns "".
func Identify(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return ""
	}
	for _, info := range knownHosts {
		for _, domain := range info.Domains {
			if hostname == domain || strings.HasSuffix(hostname, "."+domain) {
				return info.Name
			}
		}
	}
	return HostDirect
}

// Lookup returns metadata for a known host.
func Lookup(name string) (Info, bool) {
	info, ok := hostsByName[strings.ToLower(strings.TrimSpace(name))]
	return info, ok
}

// PriorityOf returns the ranking for a host name; unknown hosts (including
// HostDirect) rank as medium.
func PriorityOf(name string) Priority {
	if info, ok := Lookup(name); ok {
		return info.Priority
	}
	return PriorityMedium
}

// HostFor returns the hint when set and otherwise identifies the URL.
func HostFor(src Source) string {
	if hint := strings.ToLower(strings.TrimSpace(src.HostHint)); hint != "" {
		return hint
	}
	return Identify(src.URL)
}
