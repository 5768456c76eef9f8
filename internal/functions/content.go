package functions

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed content/*.yaml
var embedded embed.FS

// Station is one streamable radio station.
type Station struct {
	Name        string   `yaml:"name"`
	Aliases     []string `yaml:"aliases"`
	URL         string   `yaml:"url"`
	Referer     string   `yaml:"referer"`
	Description string   `yaml:"description"`
}

// Question is one quiz question. Answer is compared after folding.
type Question struct {
	Question string   `yaml:"question"`
	Answer   string   `yaml:"answer"`
	Options  []string `yaml:"options,omitempty"`
}

// QuizCategory groups questions under a spoken title.
type QuizCategory struct {
	ID        string     `yaml:"id"`
	Title     string     `yaml:"title"`
	Questions []Question `yaml:"questions"`
}

// Recipe is one entry of the recipe catalog.
type Recipe struct {
	Name        string   `yaml:"name"`
	Keywords    []string `yaml:"keywords"`
	Category    string   `yaml:"category"`
	Servings    int      `yaml:"servings"`
	Minutes     int      `yaml:"minutes"`
	Ingredients []string `yaml:"ingredients"`
	Steps       []string `yaml:"steps"`
}

// Saying is a phrase with an optional gloss (meaning, author or category).
type Saying struct {
	Text     string `yaml:"text"`
	Meaning  string `yaml:"meaning,omitempty"`
	Author   string `yaml:"author,omitempty"`
	Category string `yaml:"category,omitempty"`
}

// PhraseBook holds the jokes, proverbs, curiosities and quotes.
type PhraseBook struct {
	JokesChildren []string            `yaml:"jokes_children"`
	JokesAdults   []string            `yaml:"jokes_adults"`
	Proverbs      []Saying            `yaml:"proverbs"`
	Curiosities   []Saying            `yaml:"curiosities"`
	Quotes        []Saying            `yaml:"quotes"`
	Thoughts      map[string][]string `yaml:"thoughts"`
}

// Sign is a zodiac sign.
type Sign struct {
	Name    string `yaml:"name"`
	Emoji   string `yaml:"emoji"`
	Element string `yaml:"element"`
	Dates   string `yaml:"dates"`
}

// Horoscope holds the signs and the phrase pools readings are drawn from.
type Horoscope struct {
	Signs  []Sign   `yaml:"signs"`
	Love   []string `yaml:"love"`
	Work   []string `yaml:"work"`
	Health []string `yaml:"health"`
	Luck   []string `yaml:"luck"`
}

// Content is every data set the built-in skills read.
type Content struct {
	Stations  []Station
	Quiz      []QuizCategory
	Recipes   []Recipe
	Phrases   PhraseBook
	Horoscope Horoscope
}

// LoadContent reads the embedded data sets. A file with the same name in dir,
// when dir is set, replaces the embedded one.
func LoadContent(dir string) (*Content, error) {
	var (
		c        Content
		stations struct {
			Stations []Station `yaml:"stations"`
		}
		quiz struct {
			Categories []QuizCategory `yaml:"categories"`
		}
		recipes struct {
			Recipes []Recipe `yaml:"recipes"`
		}
	)
	files := []struct {
		name string
		into any
	}{
		{"stazioni.yaml", &stations},
		{"quiz.yaml", &quiz},
		{"ricette.yaml", &recipes},
		{"frasi.yaml", &c.Phrases},
		{"oroscopo.yaml", &c.Horoscope},
	}
	for _, f := range files {
		data, err := readContent(dir, f.name)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, f.into); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.name, err)
		}
	}
	c.Stations = stations.Stations
	c.Quiz = quiz.Categories
	c.Recipes = recipes.Recipes

	if len(c.Stations) == 0 || len(c.Quiz) == 0 || len(c.Horoscope.Signs) == 0 {
		return nil, errors.New("content: stations, quiz and horoscope must not be empty")
	}
	if len(c.Phrases.Proverbs) == 0 || len(c.Phrases.Curiosities) == 0 || len(c.Phrases.Quotes) == 0 {
		return nil, errors.New("content: proverbs, curiosities and quotes must not be empty")
	}
	for _, r := range c.Recipes {
		if len(r.Steps) == 0 {
			return nil, fmt.Errorf("content: recipe %q has no steps", r.Name)
		}
	}
	for _, cat := range c.Quiz {
		if len(cat.Questions) == 0 {
			return nil, fmt.Errorf("content: quiz category %q has no questions", cat.ID)
		}
		for _, q := range cat.Questions {
			if q.Answer == "" {
				return nil, fmt.Errorf("content: quiz question %q has no answer", q.Question)
			}
		}
	}
	return &c, nil
}

func readContent(dir, name string) ([]byte, error) {
	if dir != "" {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
	}
	data, err := embedded.ReadFile("content/" + name)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s: %w", name, err)
	}
	return data, nil
}
