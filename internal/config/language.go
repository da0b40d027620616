package config

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Language is the user's preferred response language.
type Language struct {
	Tag language.Tag
	// Name is the English display name ("Spanish", "Japanese"), used
	// when composing the system prompt.
	Name string
}

type languageFile struct {
	Language string `json:"language"`
}

// LoadLanguage reads ~/.snow/language.json. A missing file or an empty
// value means no preference (nil, nil).
func LoadLanguage(path string) (*Language, error) {
	var f languageFile
	found, err := loadJSONFile(path, &f)
	if err != nil {
		return nil, err
	}
	if !found || f.Language == "" {
		return nil, nil
	}
	tag, err := language.Parse(f.Language)
	if err != nil {
		return nil, fmt.Errorf("parse language %q: %w", f.Language, err)
	}
	return &Language{
		Tag:  tag,
		Name: display.Tags(language.English).Name(tag),
	}, nil
}

// SaveLanguage writes the preference; an empty code clears it.
func SaveLanguage(path, code string) error {
	if code != "" {
		if _, err := language.Parse(code); err != nil {
			return fmt.Errorf("parse language %q: %w", code, err)
		}
	}
	return saveJSONFile(path, languageFile{Language: code})
}
