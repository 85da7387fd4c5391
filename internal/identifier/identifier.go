package identifier

import (
	"github.com/go-enry/go-enry/v2"
)

// Heuristically determine the language of a submission from its content.
// Used as a cross check against the declared language at intake; a mismatch
// is logged but never rejects the submission, classification is heuristic.
func GetLanguage(filename string, content []byte) Language {
	candidates := enry.GetLanguages(filename, content)
	for _, candidate := range candidates {
		mapping := languageMapping[candidate]
		if mapping != LanguageInvalid {
			return mapping
		}
	}

	return LanguageInvalid
}
