package config

import (
	"fmt"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the set of headers and cookies sent with every request.
type Profile struct {
	Headers map[string]string `yaml:"headers"`
	Cookies map[string]string `yaml:"cookies"`
}

// DefaultProfile mimics the browser the marketplace's AJAX search expects.
func DefaultProfile(userAgent string) *Profile {
	return &Profile{
		Headers: map[string]string{
			"Accept":           "application/json, text/javascript, */*; q=0.01",
			"Accept-Language":  "en;q=0.9",
			"Dnt":              "1",
			"Sec-Fetch-Dest":   "empty",
			"Sec-Fetch-Mode":   "cors",
			"Sec-Fetch-Site":   "same-origin",
			"User-Agent":       userAgent,
			"X-Requested-With": "XMLHttpRequest",
		},
		Cookies: map[string]string{},
	}
}

// LoadProfile reads a YAML profile from path. An empty path or a missing
// file yields the default profile. Headers in the file replace defaults of
// the same name.
func LoadProfile(path, userAgent string) (*Profile, error) {
	profile := DefaultProfile(userAgent)
	if path == "" {
		return profile, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return profile, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	var file Profile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	for k, v := range file.Headers {
		profile.Headers[http.CanonicalHeaderKey(k)] = v
	}
	for k, v := range file.Cookies {
		profile.Cookies[k] = v
	}
	return profile, nil
}

// Header returns the profile headers as an http.Header.
func (p *Profile) Header() http.Header {
	h := make(http.Header, len(p.Headers))
	for k, v := range p.Headers {
		h.Set(k, v)
	}
	return h
}

// HTTPCookies returns the profile cookies for installation on a jar.
func (p *Profile) HTTPCookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(p.Cookies))
	for name, value := range p.Cookies {
		out = append(out, &http.Cookie{Name: name, Value: value})
	}
	return out
}
