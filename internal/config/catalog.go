package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// CreditPackage is a purchasable bundle of credits.
type CreditPackage struct {
	ID       string `mapstructure:"id"`
	Credits  int64  `mapstructure:"credits"`
	Price    string `mapstructure:"price"`
	Currency string `mapstructure:"currency"`
}

// FeeCatalog holds per-fee credit amounts.
type FeeCatalog struct {
	ContactCredits   int64 `mapstructure:"contactCredits"`
	PlacementCredits int64 `mapstructure:"placementCredits"`
}

// Catalog is the hot-reloadable pricing configuration.
type Catalog struct {
	Packages []CreditPackage `mapstructure:"packages"`
	Fees     FeeCatalog      `mapstructure:"fees"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Packages: []CreditPackage{
			{ID: "credits_500", Credits: 500, Price: "10.00", Currency: "usd"},
			{ID: "credits_1000", Credits: 1000, Price: "20.00", Currency: "usd"},
			{ID: "credits_2500", Credits: 2500, Price: "45.00", Currency: "usd"},
		},
		Fees: FeeCatalog{
			ContactCredits:   50,
			PlacementCredits: 200,
		},
	}
}

// AmountMinor converts the decimal price into minor currency units.
func (p CreditPackage) AmountMinor() (int64, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(p.Price))
	if err != nil {
		return 0, fmt.Errorf("package %s: invalid price %q: %w", p.ID, p.Price, err)
	}
	if !price.IsPositive() {
		return 0, fmt.Errorf("package %s: price must be positive", p.ID)
	}
	minor := price.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("package %s: price %q has sub-minor precision", p.ID, p.Price)
	}
	return minor.IntPart(), nil
}

// PackageByID looks up a credit package by id.
func (c Catalog) PackageByID(id string) (CreditPackage, bool) {
	id = strings.TrimSpace(id)
	return lo.Find(c.Packages, func(p CreditPackage) bool {
		return p.ID == id
	})
}

// PackageByAmount looks up a credit package by price in minor units and currency.
func (c Catalog) PackageByAmount(amount int64, currency string) (CreditPackage, bool) {
	currency = strings.ToLower(strings.TrimSpace(currency))
	return lo.Find(c.Packages, func(p CreditPackage) bool {
		minor, err := p.AmountMinor()
		return err == nil && minor == amount && strings.EqualFold(p.Currency, currency)
	})
}

type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

// NewStaticCatalogHolder returns a holder without file watching.
func NewStaticCatalogHolder(cfg Catalog) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewCatalogHolder() (*CatalogHolder, error) {
	v := viper.New()

	v.SetConfigName("catalog")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/paysync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PAYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	watch := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultCatalog()
		v.SetDefault("catalog.packages", defaults.Packages)
		v.SetDefault("catalog.fees.contactCredits", defaults.Fees.ContactCredits)
		v.SetDefault("catalog.fees.placementCredits", defaults.Fees.PlacementCredits)
		watch = false
	}

	var cfg Catalog
	if err := v.UnmarshalKey("catalog", &cfg); err != nil {
		return nil, err
	}
	if err := validateCatalog(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticCatalogHolder(cfg)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Catalog
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Printf("[catalog] reload failed: %v", err)
			return
		}
		if err := validateCatalog(updated); err != nil {
			log.Printf("[catalog] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[catalog] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *CatalogHolder) Get() Catalog {
	return h.current.Load().(Catalog)
}

func validateCatalog(cfg Catalog) error {
	if len(cfg.Packages) == 0 {
		return errors.New("catalog.packages cannot be empty")
	}
	ids := lo.Map(cfg.Packages, func(p CreditPackage, _ int) string { return p.ID })
	if dup := lo.FindDuplicates(ids); len(dup) > 0 {
		return fmt.Errorf("catalog.packages has duplicate ids: %s", strings.Join(dup, ","))
	}
	for _, p := range cfg.Packages {
		if strings.TrimSpace(p.ID) == "" {
			return errors.New("catalog.packages id is required")
		}
		if p.Credits <= 0 {
			return fmt.Errorf("package %s: credits must be positive", p.ID)
		}
		if strings.TrimSpace(p.Currency) == "" {
			return fmt.Errorf("package %s: currency is required", p.ID)
		}
		if _, err := p.AmountMinor(); err != nil {
			return err
		}
	}
	if cfg.Fees.ContactCredits <= 0 || cfg.Fees.PlacementCredits <= 0 {
		return errors.New("catalog.fees amounts must be positive")
	}
	return nil
}
