package envelope

import (
	"errors"
	"fmt"
	"strings"
)

// InboundRequest is the payload that starts a pipeline run.
type InboundRequest struct {
	ClientID      string   `json:"client_id"`
	RequestText   string   `json:"request_text"`
	Priority      string   `json:"priority,omitempty"`
	CategoryHint  string   `json:"category_hint,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

// ErrInvalidRequest wraps every InboundRequest validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// Validate checks the payload shape. Request text is not checked here; the
// input gate screens it.
func (r *InboundRequest) Validate() error {
	if SanitizeDomain(r.ClientID) == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	if _, err := ParsePriority(r.Priority); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for i, id := range r.AttachmentIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: attachment_ids[%d] is empty", ErrInvalidRequest, i)
		}
	}
	return nil
}

// FromMap builds an InboundRequest from a decoded JSON object.
func FromMap(m map[string]any) (*InboundRequest, error) {
	r := &InboundRequest{}
	var err error
	if r.ClientID, err = stringField(m, "client_id"); err != nil {
		return nil, err
	}
	if r.RequestText, err = stringField(m, "request_text"); err != nil {
		return nil, err
	}
	if r.Priority, err = stringField(m, "priority"); err != nil {
		return nil, err
	}
	if r.CategoryHint, err = stringField(m, "category_hint"); err != nil {
		return nil, err
	}
	if raw, ok := m["attachment_ids"]; ok && raw != nil {
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: attachment_ids must be a list", ErrInvalidRequest)
		}
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: attachment_ids must be strings", ErrInvalidRequest)
			}
			r.AttachmentIDs = append(r.AttachmentIDs, s)
		}
	}
	return r, nil
}

func stringField(m map[string]any, key string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidRequest, key)
	}
	return s, nil
}

// SanitizeDomain reduces a client identifier to a bare lowercase domain:
// "https://www.Example.com:8080/path" becomes "example.com".
func SanitizeDomain(clientID string) string {
	domain := strings.TrimSpace(clientID)
	if domain == "" {
		return ""
	}
	if idx := strings.Index(domain, "://"); idx >= 0 {
		domain = domain[idx+3:]
	}
	domain = strings.TrimPrefix(domain, "//")
	if idx := strings.IndexAny(domain, "/?#"); idx >= 0 {
		domain = domain[:idx]
	}
	if idx := strings.LastIndex(domain, "@"); idx >= 0 {
		domain = domain[idx+1:]
	}
	if idx := strings.Index(domain, ":"); idx >= 0 {
		domain = domain[:idx]
	}
	domain = strings.ToLower(domain)
	return strings.TrimPrefix(domain, "www.")
}

// EnsureURL adds an https scheme to a bare domain.
func EnsureURL(domain string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return ""
	}
	lower := strings.ToLower(domain)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return domain
	}
	return "https://" + domain
}
