// Package ogc builds WFS GetFeature and Transaction requests and their CQL filters.
package ogc

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

const (
	// GeometryColumn is the geometry attribute name used in spatial predicates.
	GeometryColumn = "geom"
	DefaultSRID    = 4326
)

var ErrEmptyGeometry = errors.New("ogc: empty geometry")

func OWSEndpoint(geoServerBase string) string {
	return strings.TrimRight(geoServerBase, "/") + "/ows"
}

// Query describes one GetFeature call against a single feature type.
type Query struct {
	TypeName       string
	Filter         string
	OutFields      []string
	ReturnGeometry bool
	SortBy         string
	Distinct       bool
	Count          int
}

func BuildGetFeatureParams(q Query) url.Values {
	params := url.Values{}
	params.Set("service", "WFS")
	params.Set("version", "2.0.0")
	params.Set("request", "GetFeature")
	params.Set("typeNames", q.TypeName)
	params.Set("outputFormat", "application/json")
	if f := strings.TrimSpace(q.Filter); f != "" {
		params.Set("cql_filter", f)
	}
	if len(q.OutFields) > 0 {
		params.Set("propertyName", strings.Join(q.OutFields, ","))
	}
	if !q.ReturnGeometry {
		params.Set("returnGeometry", "false")
	}
	if q.SortBy != "" {
		params.Set("sortBy", q.SortBy)
	}
	if q.Distinct {
		params.Set("returnDistinctValues", "true")
	}
	if q.Count > 0 {
		params.Set("count", strconv.Itoa(q.Count))
	}
	return params
}

func BuildTransactionParams(typeName string) url.Values {
	params := url.Values{}
	params.Set("service", "WFS")
	params.Set("version", "2.0.0")
	params.Set("request", "Transaction")
	params.Set("typeNames", typeName)
	params.Set("outputFormat", "application/json")
	return params
}

// IDsIn renders "field IN (1,2,3)". An empty id list matches nothing.
func IDsIn(field string, ids []int64) string {
	if len(ids) == 0 {
		return "1=0"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(parts, ","))
}

// Intersects renders an INTERSECTS predicate with an EWKT literal.
func Intersects(g orb.Geometry) (string, error) {
	if empty(g) {
		return "", ErrEmptyGeometry
	}
	return fmt.Sprintf("INTERSECTS(%s, SRID=%d;%s)", GeometryColumn, DefaultSRID, wkt.MarshalString(g)), nil
}

// Equals renders field='value' with single quotes doubled.
func Equals(field, value string) string {
	return fmt.Sprintf("%s='%s'", field, strings.ReplaceAll(value, "'", "''"))
}

// In renders field IN ('a','b').
func In(field string, values ...string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(quoted, ","))
}

// And joins non-empty predicates, parenthesising each when there is more than one.
func And(preds ...string) string {
	var parts []string
	for _, p := range preds {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	for i := range parts {
		parts[i] = "(" + parts[i] + ")"
	}
	return strings.Join(parts, " AND ")
}

func empty(g orb.Geometry) bool {
	switch t := g.(type) {
	case nil:
		return true
	case orb.MultiPoint:
		return len(t) == 0
	case orb.LineString:
		return len(t) == 0
	case orb.MultiLineString:
		return len(t) == 0
	case orb.Ring:
		return len(t) == 0
	case orb.Polygon:
		return len(t) == 0 || len(t[0]) == 0
	case orb.MultiPolygon:
		return len(t) == 0
	case orb.Collection:
		return len(t) == 0
	}
	return false
}
