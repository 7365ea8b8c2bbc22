package transport

import (
	"math/rand"
	"sort"
	"strings"
	"sync"

	http "github.com/bogdanfinn/fhttp"
)

var (
	userAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	}

	langOpts = []string{
		"en-US,en;q=0.9",
		"en-US,en;q=0.5",
		"en-GB,en;q=0.9,en-US;q=0.8",
	}

	headerOrder = []string{
		"Accept",
		"Accept-Language",
		"Accept-Encoding",
		"User-Agent",
		"Sec-CH-UA",
		"Sec-CH-UA-Mobile",
		"Sec-CH-UA-Platform",
		"DNT",
		"Upgrade-Insecure-Requests",
		"Sec-Fetch-Site",
		"Sec-Fetch-Mode",
		"Sec-Fetch-Dest",
		"Cache-Control",
		"Cookie",
	}
)

// HeaderBuilder produces browser-like request headers
type HeaderBuilder struct {
	mu        sync.Mutex
	rnd       *rand.Rand
	randomize bool
}

func NewHeaderBuilder(randomize bool, seed int64) *HeaderBuilder {
	return &HeaderBuilder{rnd: rand.New(rand.NewSource(seed)), randomize: randomize}
}

func (b *HeaderBuilder) pick(opts []string) string {
	if !b.randomize {
		return opts[0]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return opts[b.rnd.Intn(len(opts))]
}

// Build returns stealth headers with a fixed browser order. Caller headers
// override the generated ones.
func (b *HeaderBuilder) Build(extra map[string]string, cookies map[string]string) http.Header {
	ua := b.pick(userAgents)

	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", b.pick(langOpts))
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("User-Agent", ua)
	if strings.Contains(ua, "Chrome/") {
		h.Set("Sec-CH-UA", `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`)
		h.Set("Sec-CH-UA-Mobile", "?0")
		h.Set("Sec-CH-UA-Platform", `"`+platform(ua)+`"`)
	}
	h.Set("DNT", "1")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Cache-Control", "max-age=0")

	if cookie := cookieHeader(cookies); cookie != "" {
		h.Set("Cookie", cookie)
	}
	for k, v := range extra {
		h.Set(k, v)
	}

	h[http.HeaderOrderKey] = headerOrder
	return h
}

func platform(ua string) string {
	switch {
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "Macintosh"):
		return "macOS"
	default:
		return "Linux"
	}
}

// cookieHeader joins cookies in a stable order so identical identities send identical headers
func cookieHeader(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+cookies[name])
	}
	return strings.Join(parts, "; ")
}
