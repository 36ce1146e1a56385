// Package partition stores cached responses in named, versioned partitions.
package partition

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/pvedge/internal/resource"
)

// Purpose is the resource class a partition holds.
type Purpose string

const (
	Shell  Purpose = "shell"
	Games  Purpose = "games"
	Visual Purpose = "visual"
	Fonts  Purpose = "fonts"
	API    Purpose = "api"
)

// DefaultPrefix is the shared prefix of every partition name.
const DefaultPrefix = "game-pv"

// Purposes lists every purpose in install order.
var Purposes = []Purpose{Shell, Games, Visual, Fonts, API}

var nameSegments = map[Purpose]string{
	Shell:  "core",
	Games:  "games",
	Visual: "assets",
	Fonts:  "fonts",
	API:    "api",
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("partition store closed")

// Name returns the partition name for purpose at version, e.g. game-pv-core-v1.
func Name(prefix string, p Purpose, version string) string {
	return fmt.Sprintf("%s-%s-v%s", prefix, nameSegments[p], version)
}

// Names returns the five current partition names keyed by purpose.
func Names(prefix, version string) map[Purpose]string {
	out := make(map[Purpose]string, len(Purposes))
	for _, p := range Purposes {
		out[p] = Name(prefix, p, version)
	}
	return out
}

// Parse splits a partition name into purpose and version.
func Parse(prefix, name string) (Purpose, string, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"-")
	if !ok {
		return "", "", false
	}
	for _, p := range Purposes {
		if v, ok := strings.CutPrefix(rest, nameSegments[p]+"-v"); ok && v != "" {
			return p, v, true
		}
	}
	return "", "", false
}

// Store is the durable set of named partitions.
type Store interface {
	// Open returns the named partition, creating it if missing.
	Open(ctx context.Context, name string) (Partition, error)
	// List returns every partition name.
	List(ctx context.Context) ([]string, error)
	// Delete drops a partition and all its entries.
	Delete(ctx context.Context, name string) (bool, error)
	// ActiveVersion returns the version whose partitions currently serve traffic.
	ActiveVersion(ctx context.Context) (string, error)
	SetActiveVersion(ctx context.Context, version string) error
	Close() error
}

// Partition is a keyed set of stored responses. Keys iterate in insertion
// order; re-putting a key moves it to the end.
type Partition interface {
	Name() string
	Match(ctx context.Context, key string) (*resource.Response, bool, error)
	Put(ctx context.Context, key string, resp *resource.Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
}

// OpenAll opens every partition for version and returns them keyed by purpose.
func OpenAll(ctx context.Context, s Store, prefix, version string) (map[Purpose]Partition, error) {
	out := make(map[Purpose]Partition, len(Purposes))
	for p, name := range Names(prefix, version) {
		part, err := s.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("open partition %s: %w", name, err)
		}
		out[p] = part
	}
	return out, nil
}
