// Package language maps the app's language codes to speech locales and display names.
package language

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupported = errors.New("unsupported language")

type Code string

const (
	English   Code = "en"
	Hindi     Code = "hi"
	Telugu    Code = "te"
	Tamil     Code = "ta"
	Kannada   Code = "kn"
	Marathi   Code = "mr"
	Bengali   Code = "bn"
	Gujarati  Code = "gu"
	Malayalam Code = "ml"
	Punjabi   Code = "pa"
)

const defaultLocale = "en-US"

type info struct {
	locale string
	name   string
}

var table = map[Code]info{
	English:   {"en-US", "English"},
	Hindi:     {"hi-IN", "Hindi"},
	Telugu:    {"te-IN", "Telugu"},
	Tamil:     {"ta-IN", "Tamil"},
	Kannada:   {"kn-IN", "Kannada"},
	Marathi:   {"mr-IN", "Marathi"},
	Bengali:   {"bn-IN", "Bengali"},
	Gujarati:  {"gu-IN", "Gujarati"},
	Malayalam: {"ml-IN", "Malayalam"},
	Punjabi:   {"pa-IN", "Punjabi"},
}

// Supported lists every language the assistant can be switched to.
func Supported() []Code {
	return []Code{English, Hindi, Telugu, Tamil, Kannada, Marathi, Bengali, Gujarati, Malayalam, Punjabi}
}

// Parse normalizes s and checks that it names a supported language.
func Parse(s string) (Code, error) {
	c := Code(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w %q", ErrUnsupported, s)
	}
	return c, nil
}

func (c Code) Valid() bool {
	_, ok := table[c]
	return ok
}

// Locale returns the BCP 47 tag used for speech recognition and synthesis.
// Unknown codes fall back to en-US.
func (c Code) Locale() string {
	if i, ok := table[c]; ok {
		return i.locale
	}
	return defaultLocale
}

// Name returns the English name of the language, English for unknown codes.
func (c Code) Name() string {
	if i, ok := table[c]; ok {
		return i.name
	}
	return table[English].name
}

// Directive is the instruction prefixed to every user query so the model answers
// in a single language.
func (c Code) Directive() string {
	return fmt.Sprintf("Answer in %s only.", c.Name())
}
