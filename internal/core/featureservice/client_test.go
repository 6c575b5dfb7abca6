package featureservice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/editsync/internal/core/model"
)

type upstreamRecorder struct {
	mu        sync.Mutex
	lastPath  string
	lastQuery url.Values
	lastBody  []byte
	status    int
	reply     string
}

func (u *upstreamRecorder) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()

	u.mu.Lock()
	u.lastPath = r.URL.Path
	u.lastQuery = r.URL.Query()
	u.lastBody = body
	status, reply := u.status, u.reply
	u.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(reply))
}

func (u *upstreamRecorder) snapshot() (string, url.Values, []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastPath, u.lastQuery, u.lastBody
}

const twoFeatures = `{"type":"FeatureCollection","features":[
 {"type":"Feature","id":"assets.1","geometry":null,"properties":{"OBJECTID":1,"NAME":"a"}},
 {"type":"Feature","id":"assets.2","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"OBJECTID":2,"NAME":"b"}}]}`

func newLayer(t *testing.T, up *upstreamRecorder, layerURL string) *Layer {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	t.Cleanup(srv.Close)
	l, err := NewLayer(nil, srv.Client(), srv.URL+layerURL, "OBJECTID")
	if err != nil {
		t.Fatalf("NewLayer: %v", err)
	}
	return l
}

func TestParseLayerURL(t *testing.T) {
	u, tn, err := ParseLayerURL("http://gs/geoserver/ows?service=WFS&typeNames=demo:zones")
	if err != nil || tn != "demo:zones" || u.String() != "http://gs/geoserver/ows" {
		t.Fatalf("got %v %q %v", u, tn, err)
	}
	u, tn, err = ParseLayerURL("http://gs/geoserver/demo:zones/")
	if err != nil || tn != "demo:zones" || u.Path != "/geoserver/ows" {
		t.Fatalf("got %v %q %v", u, tn, err)
	}
	if _, _, err := ParseLayerURL("http://gs/"); !errors.Is(err, ErrNoTypeName) {
		t.Fatalf("want ErrNoTypeName, got %v", err)
	}
}

func TestResolveLayerURL(t *testing.T) {
	cases := []struct{ base, raw, want string }{
		{"http://gs/geoserver/", "demo:poles", "http://gs/geoserver/demo:poles"},
		{"http://gs/geoserver", "/ows?typeNames=demo:poles", "http://gs/geoserver/ows?typeNames=demo:poles"},
		{"http://gs/geoserver", "https://other/ows?typeNames=x", "https://other/ows?typeNames=x"},
		{"", "demo:poles", "demo:poles"},
	}
	for _, tc := range cases {
		if got := ResolveLayerURL(tc.base, tc.raw); got != tc.want {
			t.Fatalf("ResolveLayerURL(%q,%q)=%q want %q", tc.base, tc.raw, got, tc.want)
		}
	}
}

func TestQueryByIDs_WithoutGeometry(t *testing.T) {
	up := &upstreamRecorder{reply: twoFeatures}
	l := newLayer(t, up, "/geoserver/ows?typeNames=demo:assets")

	fs, err := l.QueryByIDs(context.Background(), []int64{1, 2}, false)
	if err != nil {
		t.Fatalf("QueryByIDs: %v", err)
	}
	if len(fs) != 2 {
		t.Fatalf("features=%d want 2", len(fs))
	}
	if id, ok := fs[1].ObjectID("OBJECTID"); !ok || id != 2 {
		t.Fatalf("object id=%d ok=%v", id, ok)
	}
	if fs[0].Geometry != nil {
		t.Fatalf("null geometry must decode as nil, got %v", fs[0].Geometry)
	}

	path, q, _ := up.snapshot()
	if path != "/geoserver/ows" {
		t.Fatalf("path=%q", path)
	}
	if q.Get("cql_filter") != "OBJECTID IN (1,2)" || q.Get("returnGeometry") != "false" || q.Get("typeNames") != "demo:assets" {
		t.Fatalf("unexpected query %v", q.Encode())
	}
}

func TestQueryByIDs_EmptyIsNoop(t *testing.T) {
	up := &upstreamRecorder{reply: twoFeatures}
	l := newLayer(t, up, "/geoserver/ows?typeNames=demo:assets")
	fs, err := l.QueryByIDs(context.Background(), nil, true)
	if err != nil || fs != nil {
		t.Fatalf("got %v %v", fs, err)
	}
	if path, _, _ := up.snapshot(); path != "" {
		t.Fatalf("no request expected, got %q", path)
	}
}

func TestQueryIntersects_SendsWKT(t *testing.T) {
	up := &upstreamRecorder{reply: `{"type":"FeatureCollection","features":[]}`}
	l := newLayer(t, up, "/geoserver/ows?typeNames=demo:zones")
	if _, err := l.QueryIntersects(context.Background(), orb.Point{-5, 3}); err != nil {
		t.Fatalf("QueryIntersects: %v", err)
	}
	_, q, _ := up.snapshot()
	if got := q.Get("cql_filter"); got != "INTERSECTS(geom, SRID=4326;POINT(-5 3))" {
		t.Fatalf("cql_filter=%q", got)
	}
}

func TestQueryWhere_Options(t *testing.T) {
	up := &upstreamRecorder{reply: `{"type":"FeatureCollection","features":[]}`}
	l := newLayer(t, up, "/geoserver/ows?typeNames=demo:tech")
	if _, err := l.QueryWhere(context.Background(), "ROLE IN ('Supervisor')", OrderBy("NAME"), Distinct(), OutFields("NAME", "ACTIVE")); err != nil {
		t.Fatalf("QueryWhere: %v", err)
	}
	_, q, _ := up.snapshot()
	if q.Get("sortBy") != "NAME A" || q.Get("returnDistinctValues") != "true" || q.Get("propertyName") != "NAME,ACTIVE" {
		t.Fatalf("unexpected query %v", q.Encode())
	}
}

func TestSubmitEdits_RoundTrip(t *testing.T) {
	up := &upstreamRecorder{reply: `{"addResults":[{"objectId":10,"success":true}],"updateResults":[],"deleteResults":[{"objectId":3,"success":true}]}`}
	l := newLayer(t, up, "/geoserver/ows?typeNames=demo:assets")

	batch := model.EditBatch{
		Adds:    []model.Feature{{UID: "u1", Attributes: model.Attributes{"NAME": "x"}, Geometry: orb.Point{1, 1}}},
		Deletes: []int64{3},
	}
	res, err := l.SubmitEdits(context.Background(), batch)
	if err != nil {
		t.Fatalf("SubmitEdits: %v", err)
	}
	if len(res.AddResults) != 1 || res.AddResults[0].ObjectID != 10 || !res.DeleteResults[0].Success {
		t.Fatalf("unexpected result %+v", res)
	}

	_, q, body := up.snapshot()
	if q.Get("request") != "Transaction" {
		t.Fatalf("request=%q", q.Get("request"))
	}
	var sent struct {
		Adds struct {
			Features []json.RawMessage `json:"features"`
		} `json:"adds"`
		Updates json.RawMessage `json:"updates"`
		Deletes []int64         `json:"deletes"`
	}
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if len(sent.Adds.Features) != 1 || len(sent.Deletes) != 1 || sent.Updates != nil {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestUpstreamError_IsStatusError(t *testing.T) {
	up := &upstreamRecorder{status: http.StatusInternalServerError, reply: "boom"}
	l := newLayer(t, up, "/geoserver/ows?typeNames=demo:assets")
	_, err := l.QueryByIDs(context.Background(), []int64{1}, true)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError || !strings.Contains(se.Body, "boom") {
		t.Fatalf("want StatusError 500, got %v", err)
	}
}
