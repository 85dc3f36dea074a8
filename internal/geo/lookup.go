package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	geoip2 "github.com/oschwald/geoip2-golang"
)

// CountryIS queries a country.is compatible endpoint: GET {base}/{ip} returning
// {"ip": "...", "country": "US"}.
type CountryIS struct {
	base   string
	client *http.Client
}

func NewCountryIS(base string, client *http.Client) *CountryIS {
	if client == nil {
		client = http.DefaultClient
	}
	return &CountryIS{base: strings.TrimRight(base, "/"), client: client}
}

type countryISResp struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
}

func (c *CountryIS) Country(ctx context.Context, ip net.IP) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/"+ip.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("country lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("country lookup: status %d", resp.StatusCode)
	}
	var out countryISResp
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding country response: %w", err)
	}
	if out.Country == "" {
		return "", errors.New("country lookup: empty country")
	}
	return out.Country, nil
}

// MaxMind resolves countries from a local GeoIP2/GeoLite2 database.
type MaxMind struct {
	db *geoip2.Reader
}

func OpenMaxMind(path string) (*MaxMind, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database %s: %w", path, err)
	}
	return &MaxMind{db: db}, nil
}

func (m *MaxMind) Close() error {
	return m.db.Close()
}

func (m *MaxMind) Country(_ context.Context, ip net.IP) (string, error) {
	record, err := m.db.Country(ip)
	if err != nil {
		return "", err
	}
	if record.Country.IsoCode == "" {
		return "", errors.New("no country for address")
	}
	return record.Country.IsoCode, nil
}
