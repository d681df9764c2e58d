package georef

import (
	"sort"
)

// Polygon is a closed shape in pixel coordinates
type Polygon []Pixel

// Contains checks if a point is inside the polygon using ray casting
func (p Polygon) Contains(pt Pixel) bool {
	if len(p) < 3 {
		return false
	}

	inside := false
	j := len(p) - 1
	for i := 0; i < len(p); i++ {
		xi, yi := p[i].X, p[i].Y
		xj, yj := p[j].X, p[j].Y

		if ((yi > pt.Y) != (yj > pt.Y)) &&
			(pt.X < (xj-xi)*(pt.Y-yi)/(yj-yi)+xi) {
			inside = !inside
		}
		j = i
	}

	return inside
}

// ChannelRegion is a named navigation channel drawn on a camera frame
type ChannelRegion struct {
	Name    string  `json:"name"`
	Polygon Polygon `json:"polygon"`
}

// ChannelClassifier assigns a channel type to pixel positions
type ChannelClassifier struct {
	regions []ChannelRegion
}

// NewChannelClassifier builds a classifier from named polygons. Regions are
// evaluated in name order so overlapping regions classify deterministically.
func NewChannelClassifier(regions map[string]Polygon) *ChannelClassifier {
	c := &ChannelClassifier{}
	for name, poly := range regions {
		if len(poly) < 3 {
			continue
		}
		c.regions = append(c.regions, ChannelRegion{Name: name, Polygon: poly})
	}
	sort.Slice(c.regions, func(i, j int) bool {
		return c.regions[i].Name < c.regions[j].Name
	})
	return c
}

// Classify returns the name of the first region containing (x, y), or ""
func (c *ChannelClassifier) Classify(x, y float64) string {
	if c == nil {
		return ""
	}
	pt := Pixel{X: x, Y: y}
	for _, r := range c.regions {
		if r.Polygon.Contains(pt) {
			return r.Name
		}
	}
	return ""
}

// Regions returns the configured regions
func (c *ChannelClassifier) Regions() []ChannelRegion {
	if c == nil {
		return nil
	}
	return append([]ChannelRegion(nil), c.regions...)
}
