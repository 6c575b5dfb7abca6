// Package featureservice calls remote feature layers: queries by id, geometry or
// filter, and edit batch submission.
package featureservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
	"github.com/mohammed-shakir/editsync/internal/core/ogc"
)

var ErrNoTypeName = errors.New("featureservice: layer url has no type name")

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// NewOutbound creates a new outbound http client
func NewOutbound(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// Layer is one remote feature type.
type Layer struct {
	logger   *slog.Logger
	client   *http.Client
	endpoint *url.URL
	typeName string
	idField  string
	upstream string
	startNow func() time.Time // for tests
}

// ParseLayerURL splits a layer url into its OWS endpoint and type name. The
// type name comes from the typeNames (or typeName) query parameter, else from
// the last path segment, in which case the endpoint is the parent path + /ows.
func ParseLayerURL(raw string) (*url.URL, string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, "", fmt.Errorf("parse layer url: %w", err)
	}
	q := u.Query()
	tn := q.Get("typeNames")
	if tn == "" {
		tn = q.Get("typeName")
	}
	if tn != "" {
		u.RawQuery = ""
		return u, tn, nil
	}
	p := strings.TrimRight(u.Path, "/")
	tn = path.Base(p)
	if tn == "" || tn == "." || tn == "/" {
		return nil, "", ErrNoTypeName
	}
	u.Path = ogc.OWSEndpoint(path.Dir(p))
	u.RawPath = ""
	u.RawQuery = ""
	return u, tn, nil
}

// ResolveLayerURL joins a relative layer url onto base. Absolute urls are
// returned unchanged.
func ResolveLayerURL(base, raw string) string {
	raw = strings.TrimSpace(raw)
	if u, err := url.Parse(raw); err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https") {
		return raw
	}
	if base == "" {
		return raw
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(raw, "/")
}

func NewLayer(logger *slog.Logger, client *http.Client, layerURL, idField string) (*Layer, error) {
	u, tn, err := ParseLayerURL(layerURL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if idField == "" {
		idField = "OBJECTID"
	}
	return &Layer{
		logger:   logger,
		client:   client,
		endpoint: u,
		typeName: tn,
		idField:  idField,
		upstream: u.Host,
		startNow: time.Now,
	}, nil
}

func (l *Layer) TypeName() string { return l.typeName }
func (l *Layer) IDField() string  { return l.idField }

// Query runs a GetFeature request and decodes the GeoJSON feature collection.
func (l *Layer) Query(ctx context.Context, q ogc.Query) ([]model.Feature, error) {
	q.TypeName = l.typeName
	params := ogc.BuildGetFeatureParams(q)

	u := *l.endpoint
	u.RawQuery = params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	b, err := l.do(req, "query")
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return nil, fmt.Errorf("decode feature collection: %w", err)
	}
	out := make([]model.Feature, 0, len(fc.Features))
	for _, gf := range fc.Features {
		out = append(out, model.FromGeoJSON(gf))
	}
	l.logger.Debug("query done", "type", l.typeName, "features", len(out))
	return out, nil
}

// QueryByIDs fetches records by object id with all attributes.
func (l *Layer) QueryByIDs(ctx context.Context, ids []int64, withGeometry bool) ([]model.Feature, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return l.Query(ctx, ogc.Query{Filter: ogc.IDsIn(l.idField, ids), ReturnGeometry: withGeometry})
}

// QueryIntersects fetches the records whose geometry intersects g, attributes only.
func (l *Layer) QueryIntersects(ctx context.Context, g orb.Geometry) ([]model.Feature, error) {
	pred, err := ogc.Intersects(g)
	if err != nil {
		return nil, err
	}
	return l.Query(ctx, ogc.Query{Filter: pred})
}

// QueryWhere fetches the records matching a CQL filter, attributes only.
func (l *Layer) QueryWhere(ctx context.Context, where string, opts ...QueryOption) ([]model.Feature, error) {
	q := ogc.Query{Filter: where}
	for _, o := range opts {
		o(&q)
	}
	return l.Query(ctx, q)
}

type QueryOption func(*ogc.Query)

func OrderBy(field string) QueryOption {
	return func(q *ogc.Query) { q.SortBy = field + " A" }
}

func Distinct() QueryOption {
	return func(q *ogc.Query) { q.Distinct = true }
}

func OutFields(fields ...string) QueryOption {
	return func(q *ogc.Query) { q.OutFields = append(q.OutFields, fields...) }
}

type editsPayload struct {
	Adds    *model.Collection `json:"adds,omitempty"`
	Updates *model.Collection `json:"updates,omitempty"`
	Deletes []int64           `json:"deletes,omitempty"`
}

// SubmitEdits posts an edit batch as a Transaction and decodes the per-record outcomes.
func (l *Layer) SubmitEdits(ctx context.Context, batch model.EditBatch) (model.EditResult, error) {
	payload := editsPayload{Deletes: batch.Deletes}
	if len(batch.Adds) > 0 {
		payload.Adds = toCollection(batch.Adds)
	}
	if len(batch.Updates) > 0 {
		payload.Updates = toCollection(batch.Updates)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return model.EditResult{}, fmt.Errorf("encode edits: %w", err)
	}

	u := *l.endpoint
	u.RawQuery = ogc.BuildTransactionParams(l.typeName).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return model.EditResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	b, err := l.do(req, "edits")
	if err != nil {
		return model.EditResult{}, err
	}
	var res model.EditResult
	if err := json.Unmarshal(b, &res); err != nil {
		return model.EditResult{}, fmt.Errorf("decode edit result: %w", err)
	}
	l.logger.Debug("edits submitted", "type", l.typeName,
		"adds", len(batch.Adds), "updates", len(batch.Updates), "deletes", len(batch.Deletes))
	return res, nil
}

func toCollection(fs []model.Feature) *model.Collection {
	c := model.NewCollection(fs)
	return &c
}

func (l *Layer) do(req *http.Request, op string) ([]byte, error) {
	start := l.startNow()
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	observability.ObserveUpstreamLatency(l.upstream, op, time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return b, nil
}
