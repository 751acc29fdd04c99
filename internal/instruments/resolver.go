// Package instruments maps trading symbols to broker instrument tokens.
package instruments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/cache"
)

var ErrNotFound = errors.New("instrument token not found")

// Entry is one row of the instrument master file.
type Entry struct {
	Symbol   string `yaml:"symbol"`
	Exchange string `yaml:"exchange"`
	Token    string `yaml:"token"`
}

type masterFile struct {
	Instruments []Entry `yaml:"instruments"`
}

// LoadMaster reads a YAML instrument master. A missing path yields an empty list.
func LoadMaster(path string) ([]Entry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instrument master: %w", err)
	}
	var f masterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse instrument master: %w", err)
	}
	return f.Instruments, nil
}

// Searcher asks the broker for a token using some account's session.
type Searcher func(ctx context.Context, exchange, symbol string) (string, error)

// Resolver looks a token up in order: the order itself, the cache, the
// static master, then the broker. Broker answers are cached.
type Resolver struct {
	master map[string]string
	cache  *cache.Sharded[string]
}

func NewResolver(master []Entry, ttl time.Duration) *Resolver {
	r := &Resolver{
		master: make(map[string]string, len(master)),
		cache:  cache.NewSharded[string](ttl),
	}
	for _, e := range master {
		if e.Token != "" {
			r.master[key(e.Exchange, e.Symbol)] = e.Token
		}
	}
	return r
}

func key(exchange, symbol string) string {
	return strings.ToUpper(strings.TrimSpace(exchange)) + "|" + strings.ToUpper(strings.TrimSpace(symbol))
}

// Resolve returns the instrument token for order. search may be nil.
func (r *Resolver) Resolve(ctx context.Context, order broker.Order, search Searcher) (string, error) {
	if order.SymbolToken != "" {
		return order.SymbolToken, nil
	}
	k := key(order.Exchange, order.Symbol)
	if tok, ok := r.cache.Get(k); ok {
		return tok, nil
	}
	if tok, ok := r.master[k]; ok {
		return tok, nil
	}
	if search == nil {
		return "", fmt.Errorf("%w: %s on %s", ErrNotFound, order.Symbol, order.Exchange)
	}
	tok, err := search(ctx, order.Exchange, order.Symbol)
	if err != nil {
		return "", fmt.Errorf("search %s: %w", order.Symbol, err)
	}
	if tok == "" {
		return "", fmt.Errorf("%w: %s on %s", ErrNotFound, order.Symbol, order.Exchange)
	}
	r.cache.Set(k, tok)
	return tok, nil
}

// Remember caches a token seen elsewhere, e.g. on a parent order.
func (r *Resolver) Remember(exchange, symbol, token string) {
	if token != "" && symbol != "" {
		r.cache.Set(key(exchange, symbol), token)
	}
}
