package util

import (
	"fmt"
	"net/url"
)

// ResolveUrl resolves an absolute path against base, replacing whatever path base carries.
func ResolveUrl(base, path string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if b.Scheme == "" || b.Host == "" {
		return "", fmt.Errorf("invalid base url %q", base)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(ref).String(), nil
}
