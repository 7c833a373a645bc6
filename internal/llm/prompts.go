package llm

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/RichardoC/kisan-dost/internal/language"
)

//go:embed prompts.toml
var defaultPrompts string

// Catalog holds the system instructions and prompts for every model call.
type Catalog struct {
	Chat struct {
		Default   string            `toml:"default"`
		Overrides map[string]string `toml:"overrides"`
	} `toml:"chat"`
	Prices struct {
		System string `toml:"system"`
	} `toml:"prices"`
	Schemes struct {
		System string `toml:"system"`
	} `toml:"schemes"`
	Weather struct {
		Prompt string `toml:"prompt"`
	} `toml:"weather"`
	Diagnosis struct {
		Prompt string `toml:"prompt"`
	} `toml:"diagnosis"`
}

// DefaultCatalog returns the built-in instructions.
func DefaultCatalog() (*Catalog, error) {
	var c Catalog
	if _, err := toml.Decode(defaultPrompts, &c); err != nil {
		return nil, fmt.Errorf("decoding built-in prompts: %w", err)
	}
	return &c, nil
}

// LoadCatalog reads a prompts file. Entries it leaves empty keep their built-in value.
func LoadCatalog(path string) (*Catalog, error) {
	c, err := DefaultCatalog()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("decoding prompts file %s: %w", path, err)
	}
	return c, nil
}

// ChatInstruction is the system instruction for a new chat in lang.
func (c *Catalog) ChatInstruction(lang language.Code) string {
	if s, ok := c.Chat.Overrides[string(lang)]; ok && strings.TrimSpace(s) != "" {
		return render(s, lang)
	}
	return render(c.Chat.Default, lang)
}

// PriceInstruction is the system instruction for a market price lookup in lang.
func (c *Catalog) PriceInstruction(lang language.Code) string {
	return render(c.Prices.System, lang)
}

func (c *Catalog) SchemesInstruction(lang language.Code) string {
	return render(c.Schemes.System, lang)
}

// WeatherPrompt asks for the forecast at location as JSON.
func (c *Catalog) WeatherPrompt(location string, lang language.Code) string {
	return render(c.Weather.Prompt, lang, "{{location}}", location)
}

// DiagnosisPrompt accompanies a leaf photo.
func (c *Catalog) DiagnosisPrompt(lang language.Code) string {
	return render(c.Diagnosis.Prompt, lang)
}

func render(tmpl string, lang language.Code, vars ...string) string {
	r := strings.NewReplacer(append([]string{"{{language}}", lang.Name()}, vars...)...)
	return strings.TrimSpace(r.Replace(tmpl))
}
