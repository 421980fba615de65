// Package urlutil provides URL helpers for manifest and segment locations.
package urlutil

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// URL scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeFile  = "file"
)

// Resolve resolves ref against base. An empty ref yields base itself, so
// optional BaseURL elements can be applied unconditionally.
func Resolve(base *url.URL, ref string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return base, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", ref, err)
	}
	return base.ResolveReference(u), nil
}

// IsRemoteURL checks if a URL is a remote URL that can be fetched.
// This includes:
//   - URLs with http:// or https:// scheme
//   - Protocol-relative URLs (//example.com/...)
//
// Returns false for relative paths, empty strings, or local paths.
func IsRemoteURL(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(u, "//")
}

// IsFileURL checks if a URL uses the file:// scheme.
func IsFileURL(u string) bool {
	return strings.HasPrefix(strings.ToLower(u), "file://")
}

// GetScheme returns the scheme of a URL (http, https, file) or empty string if unknown.
func GetScheme(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	switch s := strings.ToLower(parsed.Scheme); s {
	case SchemeHTTP, SchemeHTTPS, SchemeFile:
		return s
	default:
		return ""
	}
}

// FilePathFromURL extracts the file path from a file:// URL.
func FilePathFromURL(u string) (string, error) {
	if !IsFileURL(u) {
		return "", fmt.Errorf("not a file:// URL: %s", u)
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Path == "" {
		return "", fmt.Errorf("empty path in file URL: %s", u)
	}
	return filepath.FromSlash(parsed.Path), nil
}

// FromArgument turns a command line argument into a fetchable URL. Remote
// and file URLs pass through; anything else is treated as a local path and
// converted to an absolute file:// URL.
func FromArgument(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("URL is required")
	}
	if GetScheme(arg) != "" {
		return arg, nil
	}
	if strings.Contains(arg, "://") {
		return "", fmt.Errorf("unsupported URL scheme: %s", arg)
	}

	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	return (&url.URL{Scheme: SchemeFile, Path: filepath.ToSlash(abs)}).String(), nil
}

// ValidateURL checks if a URL is valid and uses a supported scheme.
// For file URLs the file must exist.
func ValidateURL(u string) error {
	if u == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case SchemeHTTP, SchemeHTTPS:
		if parsed.Host == "" {
			return fmt.Errorf("URL has no host: %s", u)
		}
		return nil
	case SchemeFile:
		path, err := FilePathFromURL(u)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file not found: %s", path)
			}
			return fmt.Errorf("cannot access file: %w", err)
		}
		return nil
	case "":
		return fmt.Errorf("URL has no scheme: %s", u)
	default:
		return fmt.Errorf("unsupported URL scheme: %s", parsed.Scheme)
	}
}
