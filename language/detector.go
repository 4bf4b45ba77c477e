package language

import (
	"strings"

	"github.com/pemistahl/lingua-go"
	"github.com/sirupsen/logrus"
)

// Detector guesses the language of transcript text.
type Detector struct {
	detector lingua.LanguageDetector
}

// NewDetector builds a detector restricted to the given ISO 639-1 codes.
// Unknown codes are skipped; with fewer than two known codes every
// supported language is considered.
func NewDetector(codes []string) *Detector {
	var langs []lingua.Language
	for _, code := range codes {
		iso := lingua.GetIsoCode639_1FromValue(strings.ToUpper(strings.TrimSpace(code)))
		lang := lingua.GetLanguageFromIsoCode639_1(iso)
		if lang == lingua.Unknown {
			logrus.WithField("code", code).Warn("Ignoring unsupported transcript language")
			continue
		}
		langs = append(langs, lang)
	}

	builder := lingua.NewLanguageDetectorBuilder()
	if len(langs) >= 2 {
		return &Detector{detector: builder.FromLanguages(langs...).Build()}
	}
	return &Detector{detector: builder.FromAllLanguages().Build()}
}

// Detect returns the lowercase ISO 639-1 code of text's language, or false
// when it cannot be told reliably.
func (d *Detector) Detect(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	lang, ok := d.detector.DetectLanguageOf(text)
	if !ok {
		return "", false
	}
	return strings.ToLower(lang.IsoCode639_1().String()), true
}
