package store_test

import (
	"context"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"skyrelay/telemetry-server/internal/model"
	"skyrelay/telemetry-server/internal/store"
)

type storeSuite struct {
	store *store.Store
	base  time.Time
}

var _ = gc.Suite(&storeSuite{})

func (s *storeSuite) SetUpTest(c *gc.C) {
	st, err := store.Open(filepath.Join(c.MkDir(), "nested", "test.db"))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(st.InitSchema(context.Background()), jc.ErrorIsNil)
	s.store = st
	s.base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *storeSuite) TearDownTest(c *gc.C) {
	c.Assert(s.store.Close(), jc.ErrorIsNil)
}

func (s *storeSuite) reading(id string, offset time.Duration, status model.Status) model.Reading {
	return model.Reading{
		DroneID:   id,
		Timestamp: s.base.Add(offset),
		Battery:   90 - offset.Minutes(),
		Lat:       52.0,
		Lng:       4.0,
		Status:    status,
	}
}

func (s *storeSuite) TestReadingsRoundTripNewestFirst(c *gc.C) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.Assert(s.store.InsertReading(ctx, s.reading("A1", time.Duration(i)*time.Minute, model.StatusInFlight)), jc.ErrorIsNil)
	}
	c.Assert(s.store.InsertReading(ctx, s.reading("B2", 0, model.StatusStandby)), jc.ErrorIsNil)

	got, err := s.store.Readings(ctx, store.ReadingFilter{DroneID: "A1"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, gc.HasLen, 3)
	c.Check(got[0].Timestamp, gc.Equals, s.base.Add(2*time.Minute))
	c.Check(got[2], jc.DeepEquals, s.reading("A1", 0, model.StatusInFlight))

	asc, err := s.store.Readings(ctx, store.ReadingFilter{DroneID: "A1", Ascending: true, Limit: 2})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(asc, gc.HasLen, 2)
	c.Check(asc[0].Timestamp, gc.Equals, s.base.Add(time.Minute))
	c.Check(asc[1].Timestamp, gc.Equals, s.base.Add(2*time.Minute))
}

func (s *storeSuite) TestAscendingWindowKeepsNewest(c *gc.C) {
	ctx := context.Background()
	const total = store.MaxReadingLimit + 200
	for i := 0; i < total; i++ {
		c.Assert(s.store.InsertReading(ctx, s.reading("A1", time.Duration(i)*10*time.Second, model.StatusInFlight)), jc.ErrorIsNil)
	}

	got, err := s.store.Readings(ctx, store.ReadingFilter{
		DroneID:   "A1",
		Since:     s.base,
		Ascending: true,
		Limit:     store.MaxReadingLimit,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, gc.HasLen, store.MaxReadingLimit)
	c.Check(got[0].Timestamp, gc.Equals, s.base.Add(200*10*time.Second))
	c.Check(got[len(got)-1].Timestamp, gc.Equals, s.base.Add((total-1)*10*time.Second))
}

func (s *storeSuite) TestReadingsFilterBySinceAndStatus(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.store.InsertReading(ctx, s.reading("A1", 0, model.StatusStandby)), jc.ErrorIsNil)
	c.Assert(s.store.InsertReading(ctx, s.reading("A1", 10*time.Minute, model.StatusInFlight)), jc.ErrorIsNil)
	c.Assert(s.store.InsertReading(ctx, s.reading("A1", 20*time.Minute, model.StatusStandby)), jc.ErrorIsNil)

	got, err := s.store.Readings(ctx, store.ReadingFilter{Since: s.base.Add(5 * time.Minute)})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.HasLen, 2)

	got, err = s.store.Readings(ctx, store.ReadingFilter{Status: model.StatusStandby})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.HasLen, 2)
}

func (s *storeSuite) TestLatestReadings(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.store.InsertReading(ctx, s.reading("A1", 0, model.StatusStandby)), jc.ErrorIsNil)
	c.Assert(s.store.InsertReading(ctx, s.reading("A1", time.Minute, model.StatusInFlight)), jc.ErrorIsNil)
	c.Assert(s.store.InsertReading(ctx, s.reading("B2", 0, model.StatusLanding)), jc.ErrorIsNil)

	got, err := s.store.LatestReadings(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got, gc.HasLen, 2)
	c.Check(got[0].DroneID, gc.Equals, "A1")
	c.Check(got[0].Status, gc.Equals, model.StatusInFlight)
	c.Check(got[1].DroneID, gc.Equals, "B2")
}

func (s *storeSuite) TestUpsertAgentLastWriteWins(c *gc.C) {
	ctx := context.Background()
	rec := model.AgentRecord{ID: "A1", Name: "Hawk", Status: model.StatusStandby, LastSeen: s.base}
	c.Assert(s.store.UpsertAgent(ctx, rec), jc.ErrorIsNil)

	rec.Status = model.StatusInFlight
	rec.LastSeen = s.base.Add(time.Minute)
	rec.Position = model.Position{Lat: 1, Lng: 2}
	rec.Metrics.Battery = 64
	c.Assert(s.store.UpsertAgent(ctx, rec), jc.ErrorIsNil)

	agents, err := s.store.Agents(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(agents, gc.HasLen, 1)
	c.Check(agents[0], jc.DeepEquals, rec)
}

func (s *storeSuite) TestCommandLog(c *gc.C) {
	ctx := context.Background()
	cmd := model.Command{
		RequestID:  "r1",
		DroneID:    "A1",
		Command:    "takeoff",
		Parameters: map[string]any{"altitude": 50.0},
		IssuedAt:   s.base,
		Status:     model.CommandSent,
	}
	c.Assert(s.store.InsertCommand(ctx, cmd), jc.ErrorIsNil)
	c.Assert(s.store.UpdateCommandStatus(ctx, "r1", model.CommandAcknowledged, "ok"), jc.ErrorIsNil)

	err := s.store.UpdateCommandStatus(ctx, "missing", model.CommandFailed, "")
	c.Check(errors.Is(err, errors.NotFound), jc.IsTrue)

	cmds, err := s.store.Commands(ctx, "A1", 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cmds, gc.HasLen, 1)
	c.Check(cmds[0].Status, gc.Equals, model.CommandAcknowledged)
	c.Check(cmds[0].Response, gc.Equals, "ok")
	c.Check(cmds[0].Parameters, jc.DeepEquals, map[string]any{"altitude": 50.0})
}

func (s *storeSuite) TestIngestionErrorsAndWipe(c *gc.C) {
	ctx := context.Background()
	c.Assert(s.store.InsertIngestionError(ctx, model.IngestionError{Topic: "agents/A1/data", DroneID: "A1", Payload: "{", Error: "bad"}), jc.ErrorIsNil)
	c.Assert(s.store.InsertReading(ctx, s.reading("A1", 0, model.StatusStandby)), jc.ErrorIsNil)

	errs, err := s.store.IngestionErrors(ctx, 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(errs, gc.HasLen, 1)
	c.Check(errs[0].Topic, gc.Equals, "agents/A1/data")

	c.Assert(s.store.WipeData(ctx), jc.ErrorIsNil)
	readings, err := s.store.Readings(ctx, store.ReadingFilter{})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(readings, gc.HasLen, 0)
}

func (s *storeSuite) TestEffectiveLimit(c *gc.C) {
	c.Check(store.ReadingFilter{}.EffectiveLimit(), gc.Equals, 100)
	c.Check(store.ReadingFilter{Limit: 5}.EffectiveLimit(), gc.Equals, 5)
	c.Check(store.ReadingFilter{Limit: 5000}.EffectiveLimit(), gc.Equals, 1000)
}
