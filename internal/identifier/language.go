package identifier

import "errors"

type Language string

const (
	LanguageC          = "c"
	LanguageCPP        = "cpp"
	LanguageGo         = "go"
	LanguageJava       = "java"
	LanguageJavascript = "javascript"
	LanguagePython     = "python"
	LanguageRust       = "rust"
	// Returned when the declared language is not one we can grade
	LanguageInvalid = ""
)

func toLanguage(v string) (Language, error) {
	vLanguage := Language(v)
	switch vLanguage {
	case LanguageC, LanguageCPP, LanguageGo, LanguageJava, LanguageJavascript, LanguagePython, LanguageRust:
		return vLanguage, nil
	default:
		return LanguageInvalid, errors.New(
			`must be one of "c", "cpp", "go", "java", "javascript", "python" or "rust"`,
		)
	}
}

func (l Language) String() string {
	return string(l)
}

func (l *Language) Set(v string) error {
	vLanguage, err := toLanguage(v)
	if err != nil {
		return err
	}

	*l = vLanguage
	return nil
}

func (*Language) Type() string {
	return "Language"
}

// go-enry to useful language mappings
var languageMapping = map[string]Language{
	"C":          LanguageC,
	"C++":        LanguageCPP,
	"Go":         LanguageGo,
	"Java":       LanguageJava,
	"JavaScript": LanguageJavascript,
	"TypeScript": LanguageJavascript,
	"Python":     LanguagePython,
	"Rust":       LanguageRust,
}

// Interpreted languages ship no compiled artifact, so their jobs bypass the
// artifact cache entirely.
func (l Language) Compiled() bool {
	switch l {
	case LanguageJavascript, LanguagePython:
		return false
	default:
		return true
	}
}
