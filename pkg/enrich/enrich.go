// Package enrich annotates conflicting ban entries with network ownership and
// country data from MaxMind databases.
package enrich

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"sync"

	"github.com/oschwald/geoip2-golang/v2"
	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/config"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/gateway"
)

// Annotation is what the databases know about one address.
type Annotation struct {
	Address         string `json:"ip"`
	ASN             uint   `json:"asn,omitempty"`
	ASNOrganization string `json:"asnOrganization,omitempty"`
	CountryISO      string `json:"countryIso,omitempty"`
	CountryName     string `json:"country,omitempty"`
}

type asnReader interface {
	ASN(ip netip.Addr) (*geoip2.ASN, error)
	Close() error
}

type countryReader interface {
	Country(ip netip.Addr) (*geoip2.Country, error)
	Close() error
}

// Enricher looks addresses up and caches results per address. A nil Enricher
// returns bare annotations.
type Enricher struct {
	asnDb     asnReader
	countryDb countryReader
	cache     map[string]Annotation
	cacheMu   sync.RWMutex
	logger    *zap.Logger
}

// Open loads the databases named in cfg. It returns nil when none is configured.
func Open(cfg config.EnrichConfig, logger *zap.Logger) (*Enricher, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	e := &Enricher{cache: make(map[string]Annotation), logger: logger}

	if cfg.ASNDatabasePath != "" {
		db, err := openDatabase(cfg.ASNDatabasePath, "ASN")
		if err != nil {
			return nil, err
		}
		e.asnDb = db
	}

	if cfg.CountryDatabasePath != "" {
		db, err := openDatabase(cfg.CountryDatabasePath, "country")
		if err != nil {
			_ = e.Close()
			return nil, err
		}
		e.countryDb = db
	}

	return e, nil
}

func openDatabase(path, description string) (*geoip2.Reader, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%s database path '%s' is not valid: %w", description, path, err)
	}

	db, err := geoip2.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("could not open %s database at %s: %w", description, absPath, err)
	}
	return db, nil
}

// Annotate returns what is known about address. Unparseable addresses and
// lookup failures yield an annotation carrying only the address.
func (e *Enricher) Annotate(address string) Annotation {
	if e == nil {
		return Annotation{Address: address}
	}

	e.cacheMu.RLock()
	if cached, ok := e.cache[address]; ok {
		e.cacheMu.RUnlock()
		return cached
	}
	e.cacheMu.RUnlock()

	annotation := e.lookup(address)

	e.cacheMu.Lock()
	e.cache[address] = annotation
	e.cacheMu.Unlock()

	return annotation
}

// AnnotateEntries annotates every entry, in order.
func (e *Enricher) AnnotateEntries(entries []gateway.CIDREntry) []Annotation {
	out := make([]Annotation, len(entries))
	for i, entry := range entries {
		out[i] = e.Annotate(entry.Address)
	}
	return out
}

func (e *Enricher) lookup(address string) Annotation {
	annotation := Annotation{Address: address}

	ip, err := netip.ParseAddr(address)
	if err != nil {
		e.logger.Debug("skipping enrichment of unparseable address", zap.String("ip", address))
		return annotation
	}

	if e.asnDb != nil {
		record, err := e.asnDb.ASN(ip)
		switch {
		case err != nil:
			e.logger.Error("could not get ASN data from MaxMind database", zap.String("ip", address), zap.Error(err))
		case record.HasData():
			annotation.ASN = record.AutonomousSystemNumber
			annotation.ASNOrganization = record.AutonomousSystemOrganization
		}
	}

	if e.countryDb != nil {
		record, err := e.countryDb.Country(ip)
		switch {
		case err != nil:
			e.logger.Error("could not get country data from MaxMind database", zap.String("ip", address), zap.Error(err))
		case record.HasData():
			annotation.CountryISO = record.Country.ISOCode
			annotation.CountryName = record.Country.Names.English
		}
	}

	return annotation
}

// Close releases the databases.
func (e *Enricher) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	if e.asnDb != nil {
		errs = append(errs, e.asnDb.Close())
	}
	if e.countryDb != nil {
		errs = append(errs, e.countryDb.Close())
	}
	return errors.Join(errs...)
}
