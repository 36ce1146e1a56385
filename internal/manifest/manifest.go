// Package manifest describes the static asset lists the agent keeps offline:
// the application shell, fonts, visual assets and the per-game bundles.
package manifest

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml
var defaultManifest []byte

// GameID identifies a game bundle, e.g. "snake".
type GameID string

// Manifest is immutable once loaded; accessors hand out copies.
type Manifest struct {
	shell        []string
	fonts        []string
	visual       []string
	defaultGames []GameID
	games        map[GameID][]string
}

type document struct {
	Shell        []string            `yaml:"shell"`
	Fonts        []string            `yaml:"fonts"`
	Visual       []string            `yaml:"visual"`
	DefaultGames []string            `yaml:"defaultGames"`
	Games        map[string][]string `yaml:"games"`
}

var errEmptyManifest = errors.New("manifest declares no assets")

// Default returns the embedded manifest.
func Default() *Manifest {
	m, err := Parse(defaultManifest)
	if err != nil {
		panic(fmt.Sprintf("embedded manifest: %v", err))
	}
	return m
}

// DefaultYAML returns a copy of the embedded manifest source.
func DefaultYAML() []byte { return append([]byte(nil), defaultManifest...) }

// Load reads a manifest file. An empty path or a missing file yields the
// embedded default.
func Load(path string) (*Manifest, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read manifest %q: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %q: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a YAML manifest.
func Parse(data []byte) (*Manifest, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return New(doc.Shell, doc.Fonts, doc.Visual, toIDs(doc.DefaultGames), toGames(doc.Games))
}

// New builds a manifest from already decoded lists.
func New(shell, fonts, visual []string, defaultGames []GameID, games map[GameID][]string) (*Manifest, error) {
	m := &Manifest{
		shell:        clean(shell),
		fonts:        clean(fonts),
		visual:       clean(visual),
		defaultGames: append([]GameID(nil), defaultGames...),
		games:        make(map[GameID][]string, len(games)),
	}
	for id, assets := range games {
		id = GameID(strings.TrimSpace(string(id)))
		if id == "" {
			return nil, fmt.Errorf("game with empty id")
		}
		m.games[id] = clean(assets)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that the default games exist and that something is declared.
func (m *Manifest) Validate() error {
	if len(m.shell)+len(m.fonts)+len(m.visual)+len(m.games) == 0 {
		return errEmptyManifest
	}
	seen := make(map[GameID]bool, len(m.defaultGames))
	for _, id := range m.defaultGames {
		if _, ok := m.games[id]; !ok {
			return fmt.Errorf("default game %q is not declared", id)
		}
		if seen[id] {
			return fmt.Errorf("default game %q listed twice", id)
		}
		seen[id] = true
	}
	for id, assets := range m.games {
		if len(assets) == 0 {
			return fmt.Errorf("game %q has no assets", id)
		}
	}
	return nil
}

func (m *Manifest) Shell() []string  { return append([]string(nil), m.shell...) }
func (m *Manifest) Fonts() []string  { return append([]string(nil), m.fonts...) }
func (m *Manifest) Visual() []string { return append([]string(nil), m.visual...) }

// DefaultGames are the games pre-warmed at install time.
func (m *Manifest) DefaultGames() []GameID {
	return append([]GameID(nil), m.defaultGames...)
}

// Assets returns the ordered asset list for a game.
func (m *Manifest) Assets(id GameID) ([]string, bool) {
	assets, ok := m.games[id]
	if !ok {
		return nil, false
	}
	return append([]string(nil), assets...), true
}

// GameIDs returns every declared game in lexical order.
func (m *Manifest) GameIDs() []GameID {
	ids := make([]GameID, 0, len(m.games))
	for id := range m.games {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsGameAsset reports whether path belongs to any declared game: it ends with
// one of the game's asset paths or sits under a game-scoped directory.
func (m *Manifest) IsGameAsset(path string) bool {
	for id, assets := range m.games {
		if strings.Contains(path, "/games/"+string(id)+"/") {
			return true
		}
		for _, asset := range assets {
			if p := assetPath(asset); p != "" && strings.HasSuffix(path, p) {
				return true
			}
		}
	}
	return false
}

func assetPath(asset string) string {
	u, err := url.Parse(asset)
	if err != nil {
		return asset
	}
	return u.Path
}

func clean(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func toIDs(in []string) []GameID {
	out := make([]GameID, 0, len(in))
	for _, s := range in {
		out = append(out, GameID(strings.TrimSpace(s)))
	}
	return out
}

func toGames(in map[string][]string) map[GameID][]string {
	out := make(map[GameID][]string, len(in))
	for id, assets := range in {
		out[GameID(id)] = assets
	}
	return out
}
