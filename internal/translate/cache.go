package translate

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheKey struct {
	source string
	target string
	text   string
}

// Cache memoises translations of repeated phrases across units and rooms.
type Cache struct {
	inner Translator
	lru   *lru.Cache[cacheKey, string]
}

func NewCache(inner Translator, size int) (*Cache, error) {
	c, err := lru.New[cacheKey, string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner, lru: c}, nil
}

func (c *Cache) Translate(ctx context.Context, req Request) (string, error) {
	key := cacheKey{source: req.SourceLanguage, target: req.TargetLanguage, text: req.Text}
	if out, ok := c.lru.Get(key); ok {
		return out, nil
	}
	out, err := c.inner.Translate(ctx, req)
	if err != nil {
		return "", err
	}
	c.lru.Add(key, out)
	return out, nil
}

// Len returns the number of cached translations.
func (c *Cache) Len() int { return c.lru.Len() }
