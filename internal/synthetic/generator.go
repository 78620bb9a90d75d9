// Package synthetic simulates a delivery fleet. It advances in fixed time
// steps and never reads the wall clock, so the same seed replays the same
// flights.
package synthetic

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/juju/errors"

	"skyrelay/telemetry-server/internal/model"
)

// Phase is a step of the simulated mission cycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePreparing  Phase = "preparing"
	PhaseFlying     Phase = "flying"
	PhaseDelivering Phase = "delivering"
	PhaseReturning  Phase = "returning"
)

// Status maps a phase to the reading status agents report for it.
func (p Phase) Status() model.Status {
	switch p {
	case PhasePreparing:
		return model.StatusPreFlight
	case PhaseFlying:
		return model.StatusInFlight
	case PhaseDelivering:
		return model.StatusDelivered
	case PhaseReturning:
		return model.StatusReturning
	default:
		return model.StatusStandby
	}
}

// Next is the phase that follows p in the mission cycle.
func (p Phase) Next() Phase {
	switch p {
	case PhaseIdle:
		return PhasePreparing
	case PhasePreparing:
		return PhaseFlying
	case PhaseFlying:
		return PhaseDelivering
	case PhaseDelivering:
		return PhaseReturning
	default:
		return PhaseIdle
	}
}

const metersPerDegree = 111_320.0

// Config tunes the simulation.
type Config struct {
	Seed  int64
	Start time.Time
	Step  time.Duration

	Home          model.Position
	HomeSpread    float64 // meters between agent bases
	MissionRadius float64 // meters from base to destinations

	MissionProbability float64
	MinMissionBattery  float64
	ActiveFromHour     int
	ActiveUntilHour    int
	PrepareAdvance     float64
	DeliverComplete    float64
	ArrivalRadius      float64 // meters
	ArrivalChance      float64
	MaxSpeed           float64 // meters per second
	CruiseAltitude     float64 // meters

	BatteryFloor    float64
	IdleRecovery    float64 // percent per step
	MinBatteryDecay float64 // percent per step
	MaxBatteryDecay float64
}

// DefaultConfig returns a fleet that is busy during daytime hours.
func DefaultConfig() Config {
	return Config{
		Seed:               1,
		Start:              time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
		Step:               5 * time.Second,
		Home:               model.Position{Lat: 37.7749, Lng: -122.4194},
		HomeSpread:         400,
		MissionRadius:      3000,
		MissionProbability: 0.05,
		MinMissionBattery:  30,
		ActiveFromHour:     6,
		ActiveUntilHour:    22,
		PrepareAdvance:     0.8,
		DeliverComplete:    0.3,
		ArrivalRadius:      25,
		ArrivalChance:      0.02,
		MaxSpeed:           15,
		CruiseAltitude:     100,
		BatteryFloor:       5,
		IdleRecovery:       0.5,
		MinBatteryDecay:    0.2,
		MaxBatteryDecay:    0.6,
	}
}

// Validate rejects settings the simulation cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Step <= 0:
		return errors.NotValidf("step %v", c.Step)
	case c.BatteryFloor <= 0 || c.BatteryFloor >= 100:
		return errors.NotValidf("battery floor %v", c.BatteryFloor)
	case c.MaxSpeed <= 0:
		return errors.NotValidf("max speed %v", c.MaxSpeed)
	case c.MinBatteryDecay < 0 || c.MaxBatteryDecay < c.MinBatteryDecay:
		return errors.NotValidf("battery decay range %v..%v", c.MinBatteryDecay, c.MaxBatteryDecay)
	case c.ActiveFromHour < 0 || c.ActiveUntilHour > 24 || c.ActiveFromHour > c.ActiveUntilHour:
		return errors.NotValidf("active window %d..%d", c.ActiveFromHour, c.ActiveUntilHour)
	}
	return nil
}

type agentState struct {
	id          string
	phase       Phase
	base        model.Position
	pos         model.Position
	dest        model.Position
	battery     float64
	decay       float64
	temperature float64
	humidity    float64
	speed       float64
	altitude    float64
}

// Generator holds the simulated fleet. It is not safe for concurrent use.
type Generator struct {
	cfg    Config
	rng    *rand.Rand
	ticks  int64
	agents map[string]*agentState
}

// New builds an empty generator.
func New(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Generator{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		agents: make(map[string]*agentState),
	}, nil
}

// EnsureAgents adds any of ids not yet simulated. New agents start idle at
// a base near home with a random battery level.
func (g *Generator) EnsureAgents(ids ...string) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for _, id := range sorted {
		if id == "" {
			continue
		}
		if _, ok := g.agents[id]; ok {
			continue
		}
		base := g.offset(g.cfg.Home, g.cfg.HomeSpread)
		g.agents[id] = &agentState{
			id:          id,
			phase:       PhaseIdle,
			base:        base,
			pos:         base,
			battery:     60 + g.rng.Float64()*40,
			decay:       g.cfg.MinBatteryDecay + g.rng.Float64()*(g.cfg.MaxBatteryDecay-g.cfg.MinBatteryDecay),
			temperature: 18 + g.rng.Float64()*8,
			humidity:    40 + g.rng.Float64()*20,
		}
	}
}

// Agents lists the simulated agent ids in order.
func (g *Generator) Agents() []string {
	ids := make([]string, 0, len(g.agents))
	for id := range g.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Phase reports the current phase of an agent.
func (g *Generator) Phase(id string) (Phase, bool) {
	a, ok := g.agents[id]
	if !ok {
		return "", false
	}
	return a.phase, true
}

// Now is the simulated time of the last tick.
func (g *Generator) Now() time.Time {
	return g.cfg.Start.Add(time.Duration(g.ticks) * g.cfg.Step).UTC()
}

// Snapshot returns the current reading of every agent without advancing.
func (g *Generator) Snapshot() []model.Reading {
	now := g.Now()
	readings := make([]model.Reading, 0, len(g.agents))
	for _, id := range g.Agents() {
		readings = append(readings, g.agents[id].reading(now))
	}
	return readings
}

// Tick advances every agent by one step and returns their readings,
// ordered by agent id.
func (g *Generator) Tick() []model.Reading {
	g.ticks++
	now := g.Now()
	readings := make([]model.Reading, 0, len(g.agents))
	for _, id := range g.Agents() {
		a := g.agents[id]
		g.advance(a, now)
		readings = append(readings, a.reading(now))
	}
	return readings
}

func (g *Generator) advance(a *agentState, now time.Time) {
	switch a.phase {
	case PhaseIdle:
		a.speed, a.altitude = 0, 0
		a.battery += g.cfg.IdleRecovery
		if g.active(now) && a.battery > g.cfg.MinMissionBattery && g.rng.Float64() < g.cfg.MissionProbability {
			a.dest = g.offset(a.base, g.cfg.MissionRadius)
			a.phase = PhasePreparing
		}
	case PhasePreparing:
		if g.rng.Float64() < g.cfg.PrepareAdvance {
			a.phase = PhaseFlying
		}
	case PhaseFlying:
		a.altitude = g.cfg.CruiseAltitude * (0.9 + g.rng.Float64()*0.2)
		g.move(a, a.dest)
		a.battery -= a.decay
		if g.arrived(a.pos, a.dest) || g.rng.Float64() < g.cfg.ArrivalChance {
			a.phase = PhaseDelivering
		}
	case PhaseDelivering:
		a.speed = 0
		a.altitude = 10 + g.rng.Float64()*10
		if g.rng.Float64() < g.cfg.DeliverComplete {
			a.phase = PhaseReturning
		}
	case PhaseReturning:
		a.altitude = g.cfg.CruiseAltitude * (0.9 + g.rng.Float64()*0.2)
		g.move(a, a.base)
		a.battery -= a.decay
		if g.arrived(a.pos, a.base) {
			a.pos = a.base
			a.speed, a.altitude = 0, 0
			a.phase = PhaseIdle
		}
	}

	a.battery = math.Max(g.cfg.BatteryFloor, math.Min(100, a.battery))
	a.temperature = clampRange(a.temperature+(g.rng.Float64()-0.5)*0.4, -10, 45)
	a.humidity = clampRange(a.humidity+(g.rng.Float64()-0.5)*1.0, 5, 95)
}

// move flies a straight line toward target, covering at most one step at
// cruise speed.
func (g *Generator) move(a *agentState, target model.Position) {
	speed := g.cfg.MaxSpeed * (0.7 + g.rng.Float64()*0.3)
	reach := speed * g.cfg.Step.Seconds()
	dist := distance(a.pos, target)
	if dist <= reach {
		a.pos = target
		a.speed = dist / g.cfg.Step.Seconds()
		return
	}
	frac := reach / dist
	a.pos = model.Position{
		Lat: a.pos.Lat + (target.Lat-a.pos.Lat)*frac,
		Lng: a.pos.Lng + (target.Lng-a.pos.Lng)*frac,
	}
	a.speed = speed
}

func (g *Generator) arrived(pos, target model.Position) bool {
	return distance(pos, target) <= g.cfg.ArrivalRadius
}

func (g *Generator) active(now time.Time) bool {
	h := now.Hour()
	return h >= g.cfg.ActiveFromHour && h < g.cfg.ActiveUntilHour
}

// offset picks a random point within radius meters of p.
func (g *Generator) offset(p model.Position, radius float64) model.Position {
	angle := g.rng.Float64() * 2 * math.Pi
	r := radius * math.Sqrt(g.rng.Float64())
	dLat := r * math.Cos(angle) / metersPerDegree
	dLng := r * math.Sin(angle) / (metersPerDegree * math.Cos(p.Lat*math.Pi/180))
	return model.Position{Lat: p.Lat + dLat, Lng: p.Lng + dLng}
}

// distance is an equirectangular approximation in meters, accurate enough
// over a few kilometers.
func distance(a, b model.Position) float64 {
	meanLat := (a.Lat + b.Lat) / 2 * math.Pi / 180
	dx := (b.Lng - a.Lng) * metersPerDegree * math.Cos(meanLat)
	dy := (b.Lat - a.Lat) * metersPerDegree
	return math.Hypot(dx, dy)
}

func (a *agentState) reading(now time.Time) model.Reading {
	return model.Reading{
		DroneID:     a.id,
		Timestamp:   now,
		Battery:     round(a.battery, 2),
		Temperature: round(a.temperature, 1),
		Humidity:    round(a.humidity, 1),
		Speed:       round(a.speed, 2),
		Altitude:    round(a.altitude, 1),
		Lat:         a.pos.Lat,
		Lng:         a.pos.Lng,
		Status:      a.phase.Status(),
	}
}

func clampRange(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
