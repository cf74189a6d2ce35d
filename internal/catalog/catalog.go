// Package catalog holds the set of symbols the data mirror can serve. It is
// loaded once at startup; a failed load means nothing can be synced.
package catalog

import (
	"context"
	"fmt"
	"sort"
)

// Source lists the symbols available for download.
type Source interface {
	Name() string
	Symbols(ctx context.Context) ([]string, error)
}

// LoadError means the catalog could not be built.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to fetch downloadable tickers from %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Catalog is an immutable symbol set.
type Catalog struct {
	symbols map[string]struct{}
}

// New builds a catalog from a fixed list.
func New(symbols []string) *Catalog {
	c := &Catalog{symbols: make(map[string]struct{}, len(symbols))}
	for _, s := range symbols {
		if s != "" {
			c.symbols[s] = struct{}{}
		}
	}
	return c
}

// Load asks src for the symbol list. An error or an empty list is returned
// as *LoadError.
func Load(ctx context.Context, src Source) (*Catalog, error) {
	symbols, err := src.Symbols(ctx)
	if err != nil {
		return nil, &LoadError{Source: src.Name(), Err: err}
	}
	c := New(symbols)
	if c.Len() == 0 {
		return nil, &LoadError{Source: src.Name(), Err: fmt.Errorf("no symbols listed")}
	}
	return c, nil
}

// Contains reports whether symbol can be downloaded.
func (c *Catalog) Contains(symbol string) bool {
	_, ok := c.symbols[symbol]
	return ok
}

func (c *Catalog) Len() int { return len(c.symbols) }

// Symbols returns the catalog sorted.
func (c *Catalog) Symbols() []string {
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// StaticSource serves a fixed list.
type StaticSource []string

func (s StaticSource) Name() string { return "static" }

func (s StaticSource) Symbols(context.Context) ([]string, error) { return s, nil }
