package utils

import (
	"net/http"
	"strings"
)

// ParseCookie parses the Cookie header value into a slice of http.Cookie.
func ParseCookie(cookies string) []*http.Cookie {
	header := http.Header{}
	header.Add("Cookie", cookies)
	req := http.Request{Header: header}
	return req.Cookies()
}

// ParseSetCookie parses Set-Cookie header values, attributes included.
func ParseSetCookie(lines ...string) []*http.Cookie {
	header := http.Header{}
	for _, line := range lines {
		header.Add("Set-Cookie", line)
	}
	res := http.Response{Header: header}
	return res.Cookies()
}

// CookieToString returns the serialization string of the slice http.Cookie.
func CookieToString(cookies []*http.Cookie) string {
	switch len(cookies) {
	case 0:
		return ""
	case 1:
		return cookies[0].String()
	}

	var b strings.Builder
	b.WriteString(cookies[0].String())
	for _, cookie := range cookies[1:] {
		b.WriteString("; ")
		b.WriteString(cookie.String())
	}
	return b.String()
}
