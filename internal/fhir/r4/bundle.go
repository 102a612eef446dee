package r4

import (
	"encoding/json"
	"fmt"
)

// Bundle is a container of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Type         string        `json:"type"` // collection | transaction | batch | ...
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource in raw JSON form.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// AddResource appends a resource under fullURL.
func (b *Bundle) AddResource(fullURL string, resource any) error {
	raw, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("marshal bundle entry %s: %w", fullURL, err)
	}
	b.Entry = append(b.Entry, BundleEntry{FullURL: fullURL, Resource: raw})
	return nil
}

// FindResource decodes the first entry of resourceType into v.
func (b *Bundle) FindResource(resourceType string, v any) (bool, error) {
	for _, e := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			return false, fmt.Errorf("decode bundle entry %s: %w", e.FullURL, err)
		}
		if head.ResourceType != resourceType {
			continue
		}
		if err := json.Unmarshal(e.Resource, v); err != nil {
			return false, fmt.Errorf("decode %s: %w", resourceType, err)
		}
		return true, nil
	}
	return false, nil
}
