package config

import "time"

// CustomHeadersFile holds named header schemes
// (~/.snow/custom-headers.json). The active scheme's headers are added
// to every provider request.
type CustomHeadersFile struct {
	Active  string         `json:"active"`
	Schemes []HeaderScheme `json:"schemes"`
}

// HeaderScheme is one named set of HTTP headers.
type HeaderScheme struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Headers   map[string]string `json:"headers"`
	CreatedAt time.Time         `json:"createdAt"`
}

// LoadCustomHeaders reads the scheme library; a missing file yields an
// empty one.
func LoadCustomHeaders(path string) (*CustomHeadersFile, error) {
	f := &CustomHeadersFile{}
	if _, err := loadJSONFile(path, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Save writes the library back atomically.
func (f *CustomHeadersFile) Save(path string) error {
	return saveJSONFile(path, f)
}

// Resolve returns the headers of the effective scheme: overrideID when
// set, otherwise the active selection. Returns nil when neither names a
// known scheme.
func (f *CustomHeadersFile) Resolve(overrideID string) map[string]string {
	id := overrideID
	if id == "" {
		id = f.Active
	}
	if id == "" {
		return nil
	}
	for _, s := range f.Schemes {
		if s.ID == id {
			return s.Headers
		}
	}
	return nil
}
