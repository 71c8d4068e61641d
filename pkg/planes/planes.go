// Package planes gives freshly scanned surfaces a stable identity by matching
// them against the planes already known for a room.
//
// A scanned plane matches a known one only when all four predicates hold:
// equal labels, orientation |q1·q2| > 1-OrientationThreshold, origin distance
// < PositionThreshold and |Δ(width+height)| < SizeThreshold. Among surviving
// candidates the lowest combined divergence wins, each term normalized by
// its own threshold.
package planes

import (
	"math"

	"github.com/roomsync/roomsync.go/pkg/models"
)

const (
	OrientationThreshold = 0.01
	PositionThreshold    = 0.1
	SizeThreshold        = 0.1
)

// Scanned is a plane reported by a scan. It has no identity yet.
type Scanned struct {
	Label       models.PlaneLabel `json:"label"`
	Origin      models.Vec3       `json:"origin"`
	Orientation models.Quat       `json:"orientation"`
	Extents     models.Extents    `json:"extents"`
}

// Divergence holds the three raw distances between a scanned and a known plane.
type Divergence struct {
	Orientation float64
	Position    float64
	Size        float64
}

// Within reports whether every term is inside its threshold.
func (d Divergence) Within() bool {
	return d.Orientation < OrientationThreshold &&
		d.Position < PositionThreshold &&
		d.Size < SizeThreshold
}

// Score is the combined, threshold-normalized divergence. Lower is closer.
func (d Divergence) Score() float64 {
	return d.Size/SizeThreshold + d.Position/PositionThreshold + d.Orientation/OrientationThreshold
}

// Measure computes the divergence of s from known. Labels are not compared.
func Measure(known models.PlaneRecord, s Scanned) Divergence {
	return Divergence{
		Orientation: 1 - math.Abs(known.Orientation.Dot(s.Orientation)),
		Position:    known.Origin.Distance(s.Origin),
		Size:        math.Abs(known.Extents.Sum() - s.Extents.Sum()),
	}
}

// MatchPlane returns the index in known of the best match for s, or -1.
// Ties keep the earliest candidate in known.
func MatchPlane(known []models.PlaneRecord, s Scanned) int {
	return matchPlane(known, s, nil)
}

func matchPlane(known []models.PlaneRecord, s Scanned, claimed []bool) int {
	best := -1
	bestScore := math.Inf(1)
	for i, k := range known {
		if claimed != nil && claimed[i] {
			continue
		}
		if k.Label != s.Label {
			continue
		}
		d := Measure(k, s)
		if !d.Within() {
			continue
		}
		if score := d.Score(); score < bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// Result is the outcome of one scan pass.
type Result struct {
	// Planes is the complete new plane list, in scan order.
	Planes []models.PlaneRecord
	// Matched maps each inherited id to the index of the scanned plane that took it.
	Matched map[string]int
	// Dropped lists the known ids that no scanned plane matched.
	Dropped []string
}

// Merge assigns identities to scanned and returns the plane list that fully
// replaces known. A scanned plane inherits the id of its match and takes the
// scanned geometry; unmatched scanned planes get newID(). Known planes that
// nothing matched are dropped.
//
// A known plane is claimed by at most one scanned plane per pass, the first
// one in scan order that selects it.
func Merge(known []models.PlaneRecord, scanned []Scanned, newID func() string) Result {
	if newID == nil {
		newID = models.NewID
	}
	claimed := make([]bool, len(known))
	res := Result{
		Planes:  make([]models.PlaneRecord, 0, len(scanned)),
		Matched: make(map[string]int),
	}

	for i, s := range scanned {
		id := ""
		if idx := matchPlane(known, s, claimed); idx >= 0 {
			claimed[idx] = true
			id = known[idx].ID
			res.Matched[id] = i
		} else {
			id = newID()
		}
		res.Planes = append(res.Planes, models.PlaneRecord{
			ID:          id,
			Label:       s.Label,
			Origin:      s.Origin,
			Orientation: s.Orientation,
			Extents:     s.Extents,
		})
	}

	for i, k := range known {
		if !claimed[i] {
			res.Dropped = append(res.Dropped, k.ID)
		}
	}
	return res
}
