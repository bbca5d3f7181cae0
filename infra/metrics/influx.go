package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/freightd/core/metrics"
	"github.com/kilianp07/freightd/infra/logger"
)

// InfluxSink writes claim and resolution events to an InfluxDB instance
// using the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// Close releases the underlying client.
func (s *InfluxSink) Close() { s.client.Close() }

// RecordClaim writes a claim attempt as a point.
func (s *InfluxSink) RecordClaim(rec coremetrics.ClaimRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	p := write.NewPointWithMeasurement("claim_attempt").
		AddTag("broadcast_id", rec.BroadcastID).
		AddTag("transporter_id", rec.TransporterID).
		AddTag("accepted", strconv.FormatBool(rec.Accepted)).
		AddTag("component", "allocation_engine").
		AddField("trucks", rec.Trucks).
		AddField("remaining", rec.Remaining).
		SetTime(ts)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordOutcome writes an assignment resolution as a point.
func (s *InfluxSink) RecordOutcome(rec coremetrics.OutcomeRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	p := write.NewPointWithMeasurement("assignment_resolution").
		AddTag("assignment_id", rec.AssignmentID).
		AddTag("broadcast_id", rec.BroadcastID).
		AddTag("driver_id", rec.DriverID).
		AddTag("outcome", rec.Outcome).
		AddTag("component", "allocation_engine").
		AddField("retarget", rec.Retarget).
		SetTime(ts)
	return s.writeAPI.WritePoint(ctx, p)
}
