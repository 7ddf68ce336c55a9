// Package cookie implements an RFC 6265 cookie jar with public-suffix
// aware domain matching: a cookie can never be set for an entire public
// suffix. Ordering of returned cookies follows browser convention, longest
// path first and earliest-set first.
package cookie

import (
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shuttlehq/shuttle/internal/utils"
	"golang.org/x/net/publicsuffix"
)

// Jar manages storage and use of cookies in HTTP requests.
// Implementations of Jar must be safe for concurrent use by multiple
// goroutines.
type Jar interface {
	http.CookieJar

	// CookieString returns the cookies string to send in a request for the given URL.
	CookieString(u *url.URL) string
	// SetCookieString handles the receipt of the cookies strung in a reply for the given URL.
	SetCookieString(u *url.URL, cookies string)
	// RemoveCookies deletes the cookies matching the given URL.
	RemoveCookies(u *url.URL)
	// Clear drops every stored cookie.
	Clear()
}

type entry struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"` // zero means session cookie
	Secure   bool      `json:"secure,omitempty"`
	HostOnly bool      `json:"hostOnly,omitempty"`
	Created  time.Time `json:"created"`
	Seq      uint64    `json:"seq"`
}

func (e *entry) id() string { return e.Domain + ";" + e.Path + ";" + e.Name }

func (e *entry) expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

func (e *entry) domainMatch(host string) bool {
	if e.Domain == host {
		return true
	}
	return !e.HostOnly && strings.HasSuffix(host, "."+e.Domain)
}

func (e *entry) pathMatch(requestPath string) bool {
	if e.Path == requestPath {
		return true
	}
	if !strings.HasPrefix(requestPath, e.Path) {
		return false
	}
	return strings.HasSuffix(e.Path, "/") || requestPath[len(e.Path)] == '/'
}

// MemoryJar is an in-memory Jar. Cookies do not survive process restarts;
// see BoltJar for a persistent store.
type MemoryJar struct {
	mu      sync.Mutex
	entries map[string]map[string]entry // jar key (eTLD+1) to id to entry
	nextSeq uint64
}

// NewJar returns an empty in-memory Jar.
func NewJar() *MemoryJar {
	return &MemoryJar{entries: make(map[string]map[string]entry)}
}

// SetCookies handles the receipt of the cookies in a reply for the given
// URL. Cookies whose Domain attribute is a public suffix, or unrelated to
// the URL host, are rejected.
func (j *MemoryJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.setCookies(u, cookies)
}

func (j *MemoryJar) setCookies(u *url.URL, cookies []*http.Cookie) (changed []string) {
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}
	host := canonicalHost(u.Host)
	if host == "" {
		return nil
	}
	defPath := defaultPath(u.Path)
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		domain, hostOnly, ok := domainAndType(host, c.Domain)
		if !ok {
			continue
		}
		e := entry{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HostOnly: hostOnly,
		}
		if e.Path == "" || e.Path[0] != '/' {
			e.Path = defPath
		}

		remove := false
		switch {
		case c.MaxAge < 0:
			remove = true
		case c.MaxAge > 0:
			e.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			if !c.Expires.After(now) {
				remove = true
			} else {
				e.Expires = c.Expires
			}
		}

		key := jarKey(domain)
		sub := j.entries[key]
		id := e.id()
		if remove {
			if sub != nil {
				delete(sub, id)
				changed = append(changed, key)
			}
			continue
		}
		if sub == nil {
			sub = make(map[string]entry)
			j.entries[key] = sub
		}
		if old, ok := sub[id]; ok {
			// A same (name, domain, path) update replaces, keeping the
			// original creation order.
			e.Created, e.Seq = old.Created, old.Seq
		} else {
			j.nextSeq++
			e.Created, e.Seq = now, j.nextSeq
		}
		sub[id] = e
		changed = append(changed, key)
	}
	return changed
}

// Cookies returns the cookies to send in a request for the given URL,
// never including expired ones.
func (j *MemoryJar) Cookies(u *url.URL) []*http.Cookie {
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}
	host := canonicalHost(u.Host)
	if host == "" {
		return nil
	}
	secure := u.Scheme == "https"
	path := u.Path
	if path == "" {
		path = "/"
	}
	now := time.Now()

	j.mu.Lock()
	var selected []entry
	sub := j.entries[jarKey(host)]
	for id, e := range sub {
		if e.expired(now) {
			delete(sub, id)
			continue
		}
		if !e.domainMatch(host) || !e.pathMatch(path) {
			continue
		}
		if e.Secure && !secure {
			continue
		}
		selected = append(selected, e)
	}
	j.mu.Unlock()

	sort.Slice(selected, func(i, k int) bool {
		if len(selected[i].Path) != len(selected[k].Path) {
			return len(selected[i].Path) > len(selected[k].Path)
		}
		return selected[i].Seq < selected[k].Seq
	})

	cookies := make([]*http.Cookie, len(selected))
	for i, e := range selected {
		cookies[i] = &http.Cookie{Name: e.Name, Value: e.Value}
	}
	return cookies
}

// CookieString returns the cookies string to send in a request for the given URL.
func (j *MemoryJar) CookieString(u *url.URL) string {
	return utils.CookieToString(j.Cookies(u))
}

// SetCookieString handles the receipt of the cookies strung in a reply for the given URL.
func (j *MemoryJar) SetCookieString(u *url.URL, cookies string) {
	j.SetCookies(u, utils.ParseCookie(cookies))
}

// RemoveCookies deletes the cookies matching the given URL.
func (j *MemoryJar) RemoveCookies(u *url.URL) {
	j.removeCookies(u)
}

func (j *MemoryJar) removeCookies(u *url.URL) string {
	host := canonicalHost(u.Host)
	if host == "" {
		return ""
	}
	key := jarKey(host)
	j.mu.Lock()
	defer j.mu.Unlock()
	sub := j.entries[key]
	for id, e := range sub {
		if e.domainMatch(host) {
			delete(sub, id)
		}
	}
	return key
}

// Clear drops every stored cookie.
func (j *MemoryJar) Clear() {
	j.mu.Lock()
	j.entries = make(map[string]map[string]entry)
	j.mu.Unlock()
}

// snapshot copies the persistent (non-session) entries under key.
func (j *MemoryJar) snapshot(key string) []entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []entry
	for _, e := range j.entries[key] {
		if !e.Expires.IsZero() {
			out = append(out, e)
		}
	}
	return out
}

// restore loads entries under key, keeping the sequence counter monotonic.
func (j *MemoryJar) restore(key string, entries []entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	sub := j.entries[key]
	if sub == nil {
		sub = make(map[string]entry)
		j.entries[key] = sub
	}
	for _, e := range entries {
		sub[e.id()] = e
		if e.Seq > j.nextSeq {
			j.nextSeq = e.Seq
		}
	}
}

// canonicalHost strips the port, lowercases and drops a trailing dot.
func canonicalHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// domainAndType resolves the effective cookie domain for host against the
// Domain attribute, enforcing the public suffix boundary.
func domainAndType(host, attr string) (domain string, hostOnly, ok bool) {
	if attr == "" {
		return host, true, true
	}
	domain = strings.ToLower(strings.TrimPrefix(attr, "."))
	if domain == "" || domain[len(domain)-1] == '.' {
		return "", false, false
	}
	if ps, _ := publicsuffix.PublicSuffix(domain); ps == domain {
		// Setting for an entire public suffix is forbidden; the host
		// itself being the suffix degrades to a host cookie.
		if host == domain {
			return host, true, true
		}
		return "", false, false
	}
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return "", false, false
	}
	return domain, false, true
}

// jarKey groups cookies by registered domain so suffix matches stay within
// one bucket.
func jarKey(domain string) string {
	if key, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil {
		return key
	}
	return domain
}

// defaultPath per RFC 6265 section 5.1.4.
func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndexByte(p, '/')
	if i == 0 {
		return "/"
	}
	return p[:i]
}
