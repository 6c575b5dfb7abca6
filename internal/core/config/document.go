package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultNameField        = "NAME"
	DefaultZoneField        = "ZONE"
	DefaultZone2Field       = "ZONE2"
	DefaultSupervisorSource = "SUPERVISOR"
	DefaultTechnicianSource = "TECH_NAME"
	DefaultSupervisorField  = "SUPERVISOR"
	DefaultTechnicianField  = "ASSIGNEDTECH"
	EditModeAttribute       = "ATTRIBUTE"
	EditModeGeometry        = "GEOMETRY"
	SnapModePrescriptive    = "PRESCRIPTIVE"
	SnapModeFlexible        = "FLEXIBLE"
)

// LayerConfig carries per-layer capability overrides. Nil flags defer to the layer.
type LayerConfig struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	AddRecords       *bool    `yaml:"addRecords"`
	UpdateRecords    *bool    `yaml:"updateRecords"`
	DeleteRecords    *bool    `yaml:"deleteRecords"`
	UpdateAttributes *bool    `yaml:"updateAttributes"`
	UpdateGeometries *bool    `yaml:"updateGeometries"`
	Fields           []string `yaml:"fields"`
}

type MapViewConfig struct {
	CustomizeLayers bool          `yaml:"customizeLayers"`
	LayerViewIDs    []string      `yaml:"layerViewIds"`
	Layers          []LayerConfig `yaml:"layers"`
}

// LayerIndex returns the configured position of a data source id, or -1.
func (m MapViewConfig) LayerIndex(dataSourceID string) int {
	for i, l := range m.Layers {
		if l.ID == dataSourceID {
			return i
		}
	}
	return -1
}

func (m MapViewConfig) Layer(dataSourceID string) (LayerConfig, bool) {
	if i := m.LayerIndex(dataSourceID); i >= 0 {
		return m.Layers[i], true
	}
	return LayerConfig{}, false
}

func (m MapViewConfig) Allows(layerViewID string) bool {
	for _, id := range m.LayerViewIDs {
		if id == layerViewID {
			return true
		}
	}
	return false
}

type SnappingConfig struct {
	Grid           bool     `yaml:"grid"`
	Self           bool     `yaml:"self"`
	Feature        bool     `yaml:"feature"`
	DefaultGrid    bool     `yaml:"defaultGrid"`
	DefaultSelf    bool     `yaml:"defaultSelf"`
	DefaultFeature bool     `yaml:"defaultFeature"`
	DefaultLayers  []string `yaml:"defaultLayers"`
	Mode           string   `yaml:"mode"`
}

type ServiceRequestConfig struct {
	ZoneLayerURL       string `yaml:"zoneLayerUrl"`
	Zone2LayerURL      string `yaml:"zone2LayerUrl"`
	TechnicianLayerURL string `yaml:"technicianLayerUrl"`
	ZoneLayer          string `yaml:"ZoneLayer"`
	Zone2Layer         string `yaml:"Zone2Layer"`
	TechnicianLayer    string `yaml:"TechnicianLayerURL"`
}

type FieldInfo struct {
	Common struct {
		Name string `yaml:"name"`
		Zone string `yaml:"zone"`
	} `yaml:"common"`
	Technician struct {
		Supervisor string `yaml:"supervisor"`
		Name       string `yaml:"name"`
	} `yaml:"technician"`
}

// Document is the declarative edit configuration.
type Document struct {
	MapViews                   map[string]MapViewConfig `yaml:"mapViews"`
	EditMode                   string                   `yaml:"editMode"`
	BatchEditing               bool                     `yaml:"batchEditing"`
	RelatedRecords             bool                     `yaml:"relatedRecords"`
	LiveDataEditing            bool                     `yaml:"liveDataEditing"`
	Snapping                   SnappingConfig           `yaml:"snapping"`
	Tooltip                    bool                     `yaml:"tooltip"`
	DefaultTooltipEnabled      bool                     `yaml:"defaultTooltipEnabled"`
	SegmentLabel               *bool                    `yaml:"segmentLabel"`
	DefaultSegmentLabelEnabled bool                     `yaml:"defaultSegmentLabelEnabled"`
	TemplateFilter             bool                     `yaml:"templateFilter"`
	InitialReshapeMode         bool                     `yaml:"initialReshapeMode"`
	ServiceRequest             ServiceRequestConfig     `yaml:"serviceRequest"`
	ZoneLayerURL               string                   `yaml:"zoneLayerUrl"`
	Zone2LayerURL              string                   `yaml:"zone2LayerUrl"`
	TechnicianLayerURL         string                   `yaml:"technicianLayerUrl"`
	FieldInfo                  FieldInfo                `yaml:"fieldInfo"`
}

func (d Document) MapView(id string) MapViewConfig {
	if d.MapViews == nil {
		return MapViewConfig{}
	}
	return d.MapViews[id]
}

func (d Document) SegmentLabelEnabled() bool {
	if d.SegmentLabel == nil {
		return true
	}
	return *d.SegmentLabel
}

// LookupConfig is the resolved enrichment configuration.
type LookupConfig struct {
	ZoneLayerURL       string
	Zone2LayerURL      string
	TechnicianLayerURL string
	NameField          string
	ZoneField          string
	Zone2Field         string
	SupervisorSource   string
	TechnicianSource   string
	SupervisorField    string
	TechnicianField    string
}

// Lookup resolves layer urls (structured first, then aliases, then legacy
// top-level keys) and field names with literal defaults.
func (d Document) Lookup() LookupConfig {
	sr := d.ServiceRequest
	return LookupConfig{
		ZoneLayerURL:       first(sr.ZoneLayer, sr.ZoneLayerURL, d.ZoneLayerURL),
		Zone2LayerURL:      first(sr.Zone2Layer, sr.Zone2LayerURL, d.Zone2LayerURL),
		TechnicianLayerURL: first(sr.TechnicianLayer, sr.TechnicianLayerURL, d.TechnicianLayerURL),
		NameField:          first(d.FieldInfo.Common.Name, DefaultNameField),
		ZoneField:          first(d.FieldInfo.Common.Zone, DefaultZoneField),
		Zone2Field:         DefaultZone2Field,
		SupervisorSource:   first(d.FieldInfo.Technician.Supervisor, DefaultSupervisorSource),
		TechnicianSource:   first(d.FieldInfo.Technician.Name, DefaultTechnicianSource),
		SupervisorField:    DefaultSupervisorField,
		TechnicianField:    DefaultTechnicianField,
	}
}

func first(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func ParseDocument(b []byte) (Document, error) {
	var d Document
	if len(strings.TrimSpace(string(b))) == 0 {
		return d, nil
	}
	if err := yaml.Unmarshal(b, &d); err != nil {
		return Document{}, fmt.Errorf("parse edit config: %w", err)
	}
	if d.EditMode == "" {
		d.EditMode = EditModeGeometry
	}
	if d.Snapping.Mode == "" {
		d.Snapping.Mode = SnapModePrescriptive
	}
	return d, nil
}

// LoadDocument reads the edit config from path. An empty path yields defaults.
func LoadDocument(path string) (Document, error) {
	if strings.TrimSpace(path) == "" {
		return ParseDocument(nil)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read edit config %q: %w", path, err)
	}
	return ParseDocument(b)
}
