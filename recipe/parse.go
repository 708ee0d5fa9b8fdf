package recipe

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Parse extracts a Recipe from raw model output. Parsing is layered: strict
// JSON, then a JSON object salvaged out of surrounding prose, then labelled
// text blocks. Output yielding neither ingredients nor steps fails as
// ErrParseFailure.
func Parse(raw string) (*Recipe, error) {
	cleaned := stripFences(raw)
	if r, ok := parseJSON(cleaned); ok {
		return r, nil
	}
	if obj := salvageObject(cleaned); obj != "" {
		if r, ok := parseJSON(obj); ok {
			return r, nil
		}
	}
	if r, ok := parseBlocks(cleaned); ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %d bytes matched no known shape", ErrParseFailure, len(raw))
}

// stripFences drops a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimPrefix(s, "JSON")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// salvageObject cuts the outermost {...} span out of prose, the usual shape
// of a model narrating around its JSON.
func salvageObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func parseJSON(s string) (*Recipe, bool) {
	var raw struct {
		Title       string            `json:"title"`
		Ingredients []json.RawMessage `json:"ingredients"`
		Steps       []string          `json:"steps"`
		Extra       json.RawMessage   `json:"extra"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, false
	}
	r := &Recipe{Title: strings.TrimSpace(raw.Title)}
	for _, item := range raw.Ingredients {
		if v := decodeIngredient(item); v != "" {
			r.Ingredients = append(r.Ingredients, v)
		}
	}
	for _, step := range raw.Steps {
		if step = strings.TrimSpace(step); step != "" {
			r.Steps = append(r.Steps, step)
		}
	}
	r.Extra = decodeExtra(raw.Extra)
	if len(r.Ingredients) == 0 && len(r.Steps) == 0 {
		return nil, false
	}
	return r, true
}

// decodeIngredient accepts both the v2 flat string and the v1
// {name, quantity} object shape.
func decodeIngredient(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	name, _ := obj["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	switch q := obj["quantity"].(type) {
	case string:
		if q = strings.TrimSpace(q); q != "" {
			return name + " — " + q
		}
	case float64:
		return fmt.Sprintf("%s — %v", name, q)
	}
	return name
}

// decodeExtra flattens the optional notes field, which models return as a
// string, a list, or a map.
func decodeExtra(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.TrimSpace(strings.Join(list, "\n"))
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err == nil {
		parts := make([]string, 0, len(m))
		for k, v := range m {
			parts = append(parts, k+": "+v)
		}
		sort.Strings(parts)
		return strings.Join(parts, "\n")
	}
	return ""
}

// Section labels for the text-block fallback. Russian labels are kept
// alongside English because the model answers in the source language.
var (
	titleLabels      = []string{"recipe:", "рецепт:"}
	ingredientLabels = []string{"ingredients:", "ингредиенты:"}
	stepLabels       = []string{"steps:", "preparation:", "instructions:", "приготовление:"}
	extraLabels      = []string{"extra:", "notes:", "дополнительно:"}
)

var stepNumRe = regexp.MustCompile(`^\d+[.)]\s*`)

func parseBlocks(s string) (*Recipe, bool) {
	r := &Recipe{}
	section := ""
	var extra []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if rest, ok := matchLabel(lower, line, titleLabels); ok {
			r.Title = rest
			section = ""
			continue
		}
		if rest, ok := matchLabel(lower, line, ingredientLabels); ok {
			section = "ingredients"
			if v := cleanIngredientLine(rest); v != "" {
				r.Ingredients = append(r.Ingredients, v)
			}
			continue
		}
		if rest, ok := matchLabel(lower, line, stepLabels); ok {
			section = "steps"
			if v := cleanStepLine(rest); v != "" {
				r.Steps = append(r.Steps, v)
			}
			continue
		}
		if rest, ok := matchLabel(lower, line, extraLabels); ok {
			section = "extra"
			if rest != "" {
				extra = append(extra, rest)
			}
			continue
		}
		switch section {
		case "ingredients":
			if v := cleanIngredientLine(line); v != "" {
				r.Ingredients = append(r.Ingredients, v)
			}
		case "steps":
			if v := cleanStepLine(line); v != "" {
				r.Steps = append(r.Steps, v)
			}
		case "extra":
			extra = append(extra, line)
		}
	}
	r.Extra = strings.Join(extra, "\n")
	if len(r.Ingredients) == 0 && len(r.Steps) == 0 {
		return nil, false
	}
	return r, true
}

// matchLabel reports whether the line opens a labelled section and returns
// any content after the label. Cyrillic case folding keeps byte offsets, so
// slicing orig by the label length is safe.
func matchLabel(lower, orig string, labels []string) (string, bool) {
	for _, l := range labels {
		if strings.HasPrefix(lower, l) {
			return strings.TrimSpace(orig[len(l):]), true
		}
	}
	return "", false
}

// cleanIngredientLine strips list bullets and the trailing period models
// like to add to quantities.
func cleanIngredientLine(line string) string {
	line = strings.TrimLeft(line, "-•*– \t")
	line = strings.TrimSuffix(strings.TrimSpace(line), ".")
	return strings.TrimSpace(line)
}

// cleanStepLine strips leading numbering; step text itself stays untouched.
func cleanStepLine(line string) string {
	line = stepNumRe.ReplaceAllString(line, "")
	line = strings.TrimLeft(line, "-•* \t")
	return strings.TrimSpace(line)
}
