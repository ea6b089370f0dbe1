package translation

import (
	"sort"
	"strings"
)

// Languages maps recognized target language codes to display labels
var Languages = map[string]string{
	"en": "English",
	"ja": "Japanese",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"zh": "Chinese",
	"ko": "Korean",
	"pt": "Portuguese",
	"it": "Italian",
}

// Language is one entry of the recognized language list
type Language struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// Label returns the display label for code. Unrecognized codes are their own label.
func Label(code string) string {
	if label, ok := Languages[strings.ToLower(code)]; ok {
		return label
	}
	return code
}

// List returns the recognized languages sorted by code
func List() []Language {
	list := make([]Language, 0, len(Languages))
	for code, label := range Languages {
		list = append(list, Language{Code: code, Label: label})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Code < list[j].Code })
	return list
}
