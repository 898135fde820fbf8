// Package enrich turns catalog records into normalized asset classification.
package enrich

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Tolam-Earth/integration-services/internal/asset"
	"github.com/Tolam-Earth/integration-services/internal/catalog"
)

// Catalog attribute titles.
const (
	titleVintage     = "VINTAGE"
	titleCategory    = "PROJECT CATEGORY"
	titleType        = "PROJECT TYPE"
	titleCountry     = "PROJECT COUNTRY"
	titleSubdivision = "STATE/PROVINCE"
)

// Closed vocabularies. A raw value missing here is an ErrUnmappedValue.
var (
	categories = map[string]string{
		"RENEWABLE ENERGY":  "RENEW_ENERGY",
		"ENERGY EFFICIENCY": "COMM_ENRGY_EFF",
	}
	projectTypes = map[string]string{
		"GRID CONNECTED WIND": "WIND",
		"IMPROVED COOKSTOVE":  "EMM_RED",
	}
	countries = map[string]string{
		"INDIA": "IND",
		"KENYA": "KEN",
	}
	subdivisions = map[string]string{
		"GUJARAT": "GJ",
		"BARINGO": "01",
	}
)

// Gateway fetches catalog details for an identity and normalizes them.
type Gateway struct {
	client catalog.Client
	newID  func() string
}

func NewGateway(client catalog.Client) *Gateway {
	return &Gateway{client: client, newID: uuid.NewString}
}

// Enrich returns normalized metadata with freshly generated device and guardian ids.
func (g *Gateway) Enrich(ctx context.Context, id asset.Identity) (asset.Metadata, error) {
	d, err := g.client.GetMetadata(ctx, id.CollectionID, id.SerialNumber)
	if err != nil {
		return asset.Metadata{}, fmt.Errorf("catalog details for %s: %w", id, err)
	}
	m, err := Normalize(d)
	if err != nil {
		return asset.Metadata{}, fmt.Errorf("catalog details for %s: %w", id, err)
	}
	m.DeviceID = g.newID()
	m.GuardianID = g.newID()
	return m, nil
}

// Normalize maps a raw catalog record onto the domain vocabulary.
// Unknown attribute titles are ignored; unknown values of known titles are not.
func Normalize(d catalog.Details) (asset.Metadata, error) {
	var m asset.Metadata
	if d.TokenID == nil || d.SerialNumber == nil || d.Attributes == nil {
		return m, fmt.Errorf("catalog response missing tokenId, serialNumber or attributes: %w", asset.ErrValidation)
	}
	for _, attr := range *d.Attributes {
		value := strings.ToUpper(strings.TrimSpace(attr.ValueString()))
		var err error
		switch strings.ToUpper(strings.TrimSpace(attr.Title)) {
		case titleVintage:
			m.VintageYear, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				err = fmt.Errorf("vintage %q: %w", value, asset.ErrValidation)
			}
		case titleCategory:
			m.Category, err = lookup(categories, titleCategory, value)
		case titleType:
			m.Type, err = lookup(projectTypes, titleType, value)
		case titleCountry:
			m.Country, err = lookup(countries, titleCountry, value)
		case titleSubdivision:
			m.Subdivision, err = lookup(subdivisions, titleSubdivision, value)
		}
		if err != nil {
			return asset.Metadata{}, err
		}
	}
	return m, nil
}

func lookup(table map[string]string, title, value string) (string, error) {
	v, ok := table[value]
	if !ok {
		return "", fmt.Errorf("%s %q: %w", strings.ToLower(title), value, asset.ErrUnmappedValue)
	}
	return v, nil
}
