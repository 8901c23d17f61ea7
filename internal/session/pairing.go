package session

import (
	"fmt"
	"net/url"
	"strings"
)

// CodePlaceholder marks where the pairing token goes in a render template.
const CodePlaceholder = "{code}"

// RenderPairingURL substitutes the query-escaped token into template at the
// {code} placeholder.
func RenderPairingURL(template, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: empty pairing token", ErrPairing)
	}
	if !strings.Contains(template, CodePlaceholder) {
		return "", fmt.Errorf("%w: render template has no %s placeholder", ErrPairing, CodePlaceholder)
	}
	rendered := strings.ReplaceAll(template, CodePlaceholder, url.QueryEscape(token))
	if _, err := url.Parse(rendered); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPairing, err)
	}
	return rendered, nil
}
