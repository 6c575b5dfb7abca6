package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/editsync/internal/cache/keys"
	"github.com/mohammed-shakir/editsync/internal/core/config"
	"github.com/mohammed-shakir/editsync/internal/core/featureservice"
	"github.com/mohammed-shakir/editsync/internal/core/model"
	"github.com/mohammed-shakir/editsync/internal/core/observability"
	"github.com/mohammed-shakir/editsync/internal/core/ogc"
	"github.com/mohammed-shakir/editsync/internal/zonecell"
)

const (
	DefaultLookupTimeout = 3 * time.Second
	DefaultZoneCacheSize = 4096

	ZoneUnknown = "UNKNOWN"

	maxConcurrentFeatures = 8
)

var errNoGeometry = errors.New("feature has no geometry")

// Lookup is an auxiliary layer queried during enrichment.
type Lookup interface {
	QueryIntersects(ctx context.Context, g orb.Geometry) ([]model.Feature, error)
	QueryWhere(ctx context.Context, where string, opts ...featureservice.QueryOption) ([]model.Feature, error)
}

// Lookups holds the configured auxiliary layers; nil members are not configured.
type Lookups struct {
	Zone       Lookup
	Zone2      Lookup
	Technician Lookup
}

// OpenLookups builds remote layers for every configured lookup url.
func OpenLookups(log *slog.Logger, client *http.Client, cfg config.LookupConfig) (Lookups, error) {
	var out Lookups
	open := func(raw string) (Lookup, error) {
		if raw == "" {
			return nil, nil
		}
		l, err := featureservice.NewLayer(log, client, raw, "")
		if err != nil {
			return nil, fmt.Errorf("lookup layer %q: %w", raw, err)
		}
		return l, nil
	}
	var err error
	if out.Zone, err = open(cfg.ZoneLayerURL); err != nil {
		return Lookups{}, err
	}
	if out.Zone2, err = open(cfg.Zone2LayerURL); err != nil {
		return Lookups{}, err
	}
	if out.Technician, err = open(cfg.TechnicianLayerURL); err != nil {
		return Lookups{}, err
	}
	return out, nil
}

type cachedName struct {
	name  string
	found bool
}

// Enricher fills zone, secondary zone and technician attributes of drafts.
type Enricher struct {
	cfg     config.LookupConfig
	lookups Lookups
	timeout time.Duration
	cells   *zonecell.Mapper
	cache   *lru.Cache[string, cachedName]
	log     *slog.Logger
}

type EnricherOption func(*Enricher)

func WithLookupTimeout(d time.Duration) EnricherOption {
	return func(e *Enricher) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithZoneCache caches zone and zone2 names per H3 cell of the draft's point.
func WithZoneCache(size int, cells *zonecell.Mapper) EnricherOption {
	return func(e *Enricher) {
		if size <= 0 || cells == nil {
			e.cache, e.cells = nil, nil
			return
		}
		c, err := lru.New[string, cachedName](size)
		if err != nil {
			return
		}
		e.cache, e.cells = c, cells
	}
}

func WithEnricherLogger(log *slog.Logger) EnricherOption {
	return func(e *Enricher) {
		if log != nil {
			e.log = log
		}
	}
}

func NewEnricher(cfg config.LookupConfig, lookups Lookups, opts ...EnricherOption) *Enricher {
	e := &Enricher{
		cfg:     cfg,
		lookups: lookups,
		timeout: DefaultLookupTimeout,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Enrich returns a copy of batch with every add and update enriched. Features
// are processed concurrently and the whole batch is awaited.
func (e *Enricher) Enrich(ctx context.Context, batch model.EditBatch) (model.EditBatch, error) {
	out := batch.Clone()
	if e == nil {
		return out, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFeatures)
	for _, fs := range [][]model.Feature{out.Adds, out.Updates} {
		for i := range fs {
			f := &fs[i]
			g.Go(func() error {
				e.EnrichFeature(gctx, f)
				return gctx.Err()
			})
		}
	}
	if err := g.Wait(); err != nil {
		return model.EditBatch{}, fmt.Errorf("enrich batch: %w", err)
	}
	return out, nil
}

// EnrichFeature mutates f in place. Lookup failures never surface: a failed
// zone lookup falls back to ZoneFor.
func (e *Enricher) EnrichFeature(ctx context.Context, f *model.Feature) {
	if f.Attributes == nil {
		f.Attributes = model.Attributes{}
	}
	attrs := f.Attributes
	zoneField := e.cfg.ZoneField

	if attrs.Unset(zoneField) {
		e.enrichZone(ctx, f)
	}

	if e.lookups.Zone2 != nil && f.Geometry != nil {
		name, found, err := e.lookupName(ctx, "zone2", e.cfg.Zone2LayerURL, e.lookups.Zone2, f.Geometry)
		if err != nil {
			e.log.WarnContext(ctx, "zone2 lookup failed", "err", err)
		} else if found {
			attrs[e.cfg.Zone2Field] = name
		}
	}

	if e.lookups.Technician != nil && (attrs.Unset(e.cfg.SupervisorField) || attrs.Unset(e.cfg.TechnicianField)) {
		if err := e.enrichTechnician(ctx, f); err != nil {
			e.log.WarnContext(ctx, "technician lookup failed", "err", err)
		}
	}
}

func (e *Enricher) enrichZone(ctx context.Context, f *model.Feature) {
	if e.lookups.Zone == nil {
		return
	}
	var (
		name  string
		found bool
		err   = errNoGeometry
	)
	if f.Geometry != nil {
		name, found, err = e.lookupName(ctx, "zone", e.cfg.ZoneLayerURL, e.lookups.Zone, f.Geometry)
	}
	switch {
	case err != nil:
		zone := ZoneFor(f.Geometry)
		e.log.WarnContext(ctx, "zone lookup failed, using fallback", "err", err, "zone", zone)
		f.Attributes[e.cfg.ZoneField] = zone
		observability.IncEnrichment("fallback")
	case found:
		f.Attributes[e.cfg.ZoneField] = name
	}
}

func (e *Enricher) enrichTechnician(ctx context.Context, f *model.Feature) error {
	lctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		rows []model.Feature
		err  error
	)
	if zone, ok := f.Attributes[e.cfg.ZoneField].(string); ok && zone != "" {
		rows, err = e.lookups.Technician.QueryWhere(lctx, ogc.Equals(e.cfg.ZoneField, zone))
	} else if f.Geometry != nil {
		rows, err = e.lookups.Technician.QueryIntersects(lctx, f.Geometry)
	} else {
		return nil
	}
	if err != nil {
		return err
	}
	observability.IncEnrichment("lookup")
	if len(rows) == 0 {
		return nil
	}
	r := rows[0].Attributes
	copyIfUnset(f.Attributes, e.cfg.SupervisorField, r, e.cfg.SupervisorSource)
	copyIfUnset(f.Attributes, e.cfg.TechnicianField, r, e.cfg.TechnicianSource)
	return nil
}

func copyIfUnset(dst model.Attributes, dstField string, src model.Attributes, srcField string) {
	if !dst.Unset(dstField) || src.Blank(srcField) {
		return
	}
	dst[dstField] = src[srcField]
}

// lookupName returns the name field of the first record of lk intersecting g.
func (e *Enricher) lookupName(ctx context.Context, kind, layerURL string, lk Lookup, g orb.Geometry) (string, bool, error) {
	key := ""
	if e.cache != nil {
		if cell, err := e.cells.CellForGeometry(g); err == nil {
			key = keys.LookupKey(kind+":"+layerURL, e.cells.Res(), cell, "")
			if v, ok := e.cache.Get(key); ok {
				observability.IncZoneCache(true)
				observability.IncEnrichment("cache")
				return v.name, v.found, nil
			}
			observability.IncZoneCache(false)
		}
	}

	lctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	rows, err := lk.QueryIntersects(lctx, g)
	if err != nil {
		return "", false, err
	}
	observability.IncEnrichment("lookup")

	v := cachedName{}
	if len(rows) > 0 && !rows[0].Attributes.Blank(e.cfg.NameField) {
		v = cachedName{name: fmt.Sprint(rows[0].Attributes[e.cfg.NameField]), found: true}
	}
	if key != "" {
		e.cache.Add(key, v)
	}
	return v.name, v.found, nil
}

// ZoneFor classifies a geometry by the x coordinate of its representative point.
func ZoneFor(g orb.Geometry) string {
	p, ok := model.RepresentativePoint(g)
	if !ok {
		return ZoneUnknown
	}
	switch x := p[0]; {
	case x < -10_000_000:
		return "ZONE_A"
	case x < 0:
		return "ZONE_B"
	default:
		return "ZONE_C"
	}
}

// SupervisorNames lists the distinct names of active supervisors on the
// technician layer, ordered by name.
func SupervisorNames(ctx context.Context, technicians Lookup) ([]string, error) {
	if technicians == nil {
		return nil, nil
	}
	rows, err := technicians.QueryWhere(ctx, ogc.And(ogc.In("ROLE", "Supervisor"), "ACTIVE=1"),
		featureservice.OutFields("NAME", "ACTIVE"),
		featureservice.OrderBy("NAME"),
		featureservice.Distinct(),
	)
	if err != nil {
		return nil, fmt.Errorf("supervisor roster: %w", err)
	}
	seen := make(map[string]struct{}, len(rows))
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if active, ok := model.AsInt64(r.Attributes["ACTIVE"]); !ok || active != 1 {
			continue
		}
		if r.Attributes.Blank("NAME") {
			continue
		}
		name := fmt.Sprint(r.Attributes["NAME"])
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}
