// Package zonecell maps a feature to the H3 cell of its representative point.
// Zone lookups for features in the same cell share a cache entry.
package zonecell

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/editsync/internal/core/model"
)

const DefaultRes = 9

var ErrNoPoint = errors.New("zonecell: geometry has no representative point")

type Mapper struct {
	res int
}

func New(res int) (*Mapper, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	return &Mapper{res: res}, nil
}

func (m *Mapper) Res() int { return m.res }

// CellForPoint returns the cell of p. Coordinates outside the WGS84 range are
// taken as web mercator metres and unprojected first.
func (m *Mapper) CellForPoint(p orb.Point) (string, error) {
	if math.IsNaN(p[0]) || math.IsNaN(p[1]) {
		return "", fmt.Errorf("zonecell: invalid point %v", p)
	}
	if math.Abs(p[0]) > 180 || math.Abs(p[1]) > 90 {
		p = project.Mercator.ToWGS84(p)
	}
	c, err := h3.LatLngToCell(h3.LatLng{Lat: p[1], Lng: p[0]}, m.res)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return c.String(), nil
}

func (m *Mapper) CellForGeometry(g orb.Geometry) (string, error) {
	p, ok := model.RepresentativePoint(g)
	if !ok {
		return "", ErrNoPoint
	}
	return m.CellForPoint(p)
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}
