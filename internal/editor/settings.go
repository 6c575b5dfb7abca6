package editor

import (
	"slices"
	"strings"

	"github.com/mohammed-shakir/editsync/internal/core/config"
	"github.com/mohammed-shakir/editsync/internal/mapview"
)

type SnappingControls struct {
	EnabledToggle        bool `json:"enabledToggle"`
	SelfEnabledToggle    bool `json:"selfEnabledToggle"`
	FeatureEnabledToggle bool `json:"featureEnabledToggle"`
	LayerList            bool `json:"layerList"`
	GridEnabledToggle    bool `json:"gridEnabledToggle"`
	GridControls         bool `json:"gridControls"`
}

type Snapping struct {
	Enabled        bool             `json:"enabled"`
	SelfEnabled    bool             `json:"selfEnabled"`
	FeatureEnabled bool             `json:"featureEnabled"`
	GridEnabled    bool             `json:"gridEnabled"`
	FeatureSources []string         `json:"featureSources,omitempty"`
	ShowControls   bool             `json:"showControls"`
	Controls       SnappingControls `json:"controls"`
}

// Settings is the editor configuration projected from the edit document.
type Settings struct {
	Snapping         Snapping `json:"snapping"`
	TooltipsEnabled  bool     `json:"tooltipsEnabled"`
	TooltipsToggle   bool     `json:"tooltipsToggle"`
	LabelsEnabled    bool     `json:"labelsEnabled"`
	LabelsToggle     bool     `json:"labelsToggle"`
	SelectionToolbar bool     `json:"selectionToolbar"`
	SettingsMenu     bool     `json:"settingsMenu"`
	TemplateFilter   bool     `json:"templateFilter"`
	UpdateTool       string   `json:"updateTool"`
}

// SettingsFrom projects doc for a view of the given dimension.
func SettingsFrom(doc config.Document, dimension string) Settings {
	sn := doc.Snapping
	anySnap := sn.Self || sn.Feature || sn.Grid
	showControls := strings.EqualFold(sn.Mode, config.SnapModeFlexible) && anySnap
	labels := doc.SegmentLabelEnabled()

	tool := "transform"
	if doc.InitialReshapeMode {
		tool = "reshape"
	}
	return Settings{
		Snapping: Snapping{
			Enabled:        sn.DefaultSelf || sn.DefaultFeature || sn.DefaultGrid,
			SelfEnabled:    sn.DefaultSelf,
			FeatureEnabled: sn.DefaultFeature,
			GridEnabled:    sn.DefaultGrid && sn.Grid,
			FeatureSources: slices.Clone(sn.DefaultLayers),
			ShowControls:   showControls,
			Controls: SnappingControls{
				EnabledToggle:        anySnap,
				SelfEnabledToggle:    sn.Self,
				FeatureEnabledToggle: sn.Feature,
				LayerList:            sn.Feature,
				GridEnabledToggle:    sn.Grid,
				GridControls:         sn.Grid,
			},
		},
		TooltipsEnabled:  doc.DefaultTooltipEnabled,
		TooltipsToggle:   doc.Tooltip,
		LabelsEnabled:    doc.DefaultSegmentLabelEnabled,
		LabelsToggle:     labels,
		SelectionToolbar: doc.BatchEditing,
		SettingsMenu:     showControls || doc.Tooltip || (labels && dimension == mapview.Dim3D),
		TemplateFilter:   doc.TemplateFilter,
		UpdateTool:       tool,
	}
}
