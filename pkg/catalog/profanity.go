package catalog

import (
	"bufio"
	"bytes"
	_ "embed"
	"errors"
	"io/fs"
	"os"
	"strings"
	"unicode"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
)

//go:embed profanity_en.txt
var defaultProfanity []byte

// ProfanityFilter flags queries containing listed words. Matching is on whole normalized words,
// so "classic" does not trip on a listed substring.
type ProfanityFilter struct {
	words   map[string]struct{}
	phrases []string
}

// NewProfanityFilter loads the built-in English list plus one word per line from each extra
// file. Missing extra files are skipped.
func NewProfanityFilter(extraPaths ...string) (*ProfanityFilter, error) {
	f := &ProfanityFilter{words: make(map[string]struct{})}
	f.addLines(defaultProfanity)

	for _, path := range extraPaths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, utils.WrapIfNotNil(err, path)
		}
		f.addLines(data)
	}
	return f, nil
}

func (f *ProfanityFilter) Add(words ...string) {
	for _, word := range words {
		key := Normalize(word)
		if key == "" {
			continue
		}
		if strings.Contains(key, " ") {
			f.phrases = append(f.phrases, key)
			continue
		}
		f.words[key] = struct{}{}
	}
}

func (f *ProfanityFilter) Contains(text string) bool {
	if f == nil {
		return false
	}
	tokens := strings.FieldsFunc(Normalize(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, token := range tokens {
		if _, ok := f.words[token]; ok {
			return true
		}
	}
	if len(f.phrases) == 0 {
		return false
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, phrase := range f.phrases {
		if strings.Contains(joined, " "+phrase+" ") {
			return true
		}
	}
	return false
}

func (f *ProfanityFilter) addLines(data []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f.Add(line)
	}
}
