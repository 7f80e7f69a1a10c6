package mission

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Repository persists missions. Satisfied by *store.Store.
type Repository interface {
	InsertMission(*Mission) error
	GetMission(id string) (*Mission, error)
	ListMissions() ([]Mission, error)
}

// Planner validates and persists waypoint missions.
type Planner struct {
	repo       Repository
	defaultAlt float64
	now        func() time.Time
}

// NewPlanner wires a planner to its repository. Waypoints submitted with a
// zero altitude are filled in with defaultAltM.
func NewPlanner(repo Repository, defaultAltM float64) *Planner {
	return &Planner{repo: repo, defaultAlt: defaultAltM, now: time.Now}
}

// Create validates the waypoint list, assigns an id and normalized sequence
// numbers, and persists the mission.
func (p *Planner) Create(name string, wps []Waypoint) (*Mission, error) {
	if len(wps) == 0 {
		return nil, ErrNoWaypoints
	}
	for i, wp := range wps {
		if wp.Lat < -90 || wp.Lat > 90 || wp.Lon < -180 || wp.Lon > 180 {
			return nil, fmt.Errorf("waypoint %d: coordinates out of range (%.6f, %.6f)", i, wp.Lat, wp.Lon)
		}
		if wp.AltM < 0 {
			return nil, fmt.Errorf("waypoint %d: negative altitude", i)
		}
	}
	if name == "" {
		name = "mission"
	}

	m := &Mission{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: p.now().UTC(),
	}
	for i, wp := range wps {
		wp.Seq = i
		if wp.AltM == 0 {
			wp.AltM = p.defaultAlt
		}
		m.Waypoints = append(m.Waypoints, wp)
	}

	if err := p.repo.InsertMission(m); err != nil {
		return nil, err
	}
	debugMsg("PLANNER", fmt.Sprintf("mission %s created: %s, %d waypoints, %.0fm track", m.ID, m.Name, len(m.Waypoints), m.TrackLength()))
	return m, nil
}

// Get loads a mission by id.
func (p *Planner) Get(id string) (*Mission, error) {
	return p.repo.GetMission(id)
}

// List returns stored missions without waypoints.
func (p *Planner) List() ([]Mission, error) {
	return p.repo.ListMissions()
}

// TrackLength is the great-circle length of the waypoint track in meters.
func (m *Mission) TrackLength() float64 {
	total := 0.0
	for i := 1; i < len(m.Waypoints); i++ {
		total += haversineM(m.Waypoints[i-1], m.Waypoints[i])
	}
	return total
}

const earthRadiusM = 6371000.0

func haversineM(a, b Waypoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}
