// Package catalog imports listing data from YAML files.
package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/rl1809/collectible-market/internal/core/domain"
	"github.com/rl1809/collectible-market/internal/port"
)

type file struct {
	Items []entry `yaml:"items"`
}

type entry struct {
	Title           string `yaml:"title"`
	Description     string `yaml:"description"`
	ImageURL        string `yaml:"image_url"`
	PriceINR        string `yaml:"price_inr"`
	PriceUSD        string `yaml:"price_usd"`
	ContractAddress string `yaml:"contract_address"`
	TokenID         string `yaml:"token_id"`
	ChainID         int64  `yaml:"chain_id"`
}

func LoadFile(path string) ([]domain.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Load parses a catalog document. Every entry needs a title and both prices.
func Load(r io.Reader) ([]domain.Item, error) {
	var doc file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	items := make([]domain.Item, 0, len(doc.Items))
	for i, e := range doc.Items {
		item, err := e.toItem()
		if err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i+1, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (e entry) toItem() (domain.Item, error) {
	title := strings.TrimSpace(e.Title)
	if title == "" {
		return domain.Item{}, fmt.Errorf("title is required")
	}
	inr, err := price(e.PriceINR)
	if err != nil {
		return domain.Item{}, fmt.Errorf("price_inr: %w", err)
	}
	usd, err := price(e.PriceUSD)
	if err != nil {
		return domain.Item{}, fmt.Errorf("price_usd: %w", err)
	}

	item := domain.Item{
		Title:       title,
		Description: e.Description,
		ImageURL:    e.ImageURL,
		PriceINR:    inr,
		PriceUSD:    usd,
	}
	if e.ContractAddress != "" {
		item.ContractAddress = &e.ContractAddress
	}
	if e.TokenID != "" {
		item.TokenID = &e.TokenID
	}
	if e.ChainID != 0 {
		item.ChainID = &e.ChainID
	}
	return item, nil
}

func price(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("must be positive, got %s", s)
	}
	return d.Round(domain.AmountScale), nil
}

// Seed inserts items in order and returns how many were created.
func Seed(ctx context.Context, repo port.CatalogRepository, items []domain.Item) (int, error) {
	for i := range items {
		if err := repo.CreateItem(ctx, &items[i]); err != nil {
			return i, fmt.Errorf("create %q: %w", items[i].Title, err)
		}
	}
	return len(items), nil
}
