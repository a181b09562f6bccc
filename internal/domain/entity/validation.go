package entity

import (
	"fmt"
	"net/url"
	"unicode/utf8"
)

// maxTaskNameLength bounds task names carried in queue envelopes, in bytes.
const maxTaskNameLength = 256

// maxURLLength defines the maximum allowed length for URLs.
const maxURLLength = 2048

// ValidateTaskName checks that name is non-empty, valid UTF-8 and at most
// maxTaskNameLength bytes. Any other string is a valid task name.
func ValidateTaskName(name string) error {
	if name == "" {
		return &ValidationError{Field: "name", Message: "task name is required"}
	}
	if len(name) > maxTaskNameLength {
		return &ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("task name must not exceed %d bytes", maxTaskNameLength),
		}
	}
	if !utf8.ValidString(name) {
		return &ValidationError{Field: "name", Message: "task name must be valid UTF-8"}
	}
	return nil
}

// ValidateURL checks that rawURL is an absolute http or https URL.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return &ValidationError{Field: "url", Message: "URL is required"}
	}
	if len(rawURL) > maxURLLength {
		return &ValidationError{
			Field:   "url",
			Message: fmt.Sprintf("url must not exceed %d characters", maxURLLength),
		}
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return &ValidationError{Field: "url", Message: "URL must use http or https scheme"}
	}
	if parsedURL.Host == "" {
		return &ValidationError{Field: "url", Message: "URL must have a valid host"}
	}
	return nil
}
