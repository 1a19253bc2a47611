package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Store abstracts the external time-series database. The production
// implementation is InfluxDB v2; tests substitute a fake.
type Store interface {
	// Ping verifies the store is reachable
	Ping(ctx context.Context) error

	// WriteBatch writes measurements in order. A returned error means
	// the whole batch must be retried; partial writes are acceptable
	// because points are idempotent by (name, tags, timestamp).
	WriteBatch(ctx context.Context, batch []Measurement) error

	// LastBlockHeights returns the most recent positive block height
	// per (endpoint, chainId) written within the lookback period.
	// Used to warm the sentinel cache at startup.
	LastBlockHeights(ctx context.Context, lookback time.Duration) (map[HeightKey]uint64, error)

	// Close releases the underlying client
	Close()
}

// HeightKey identifies one block-height series
type HeightKey struct {
	Endpoint string
	ChainID  int
}

// influxStore is the InfluxDB v2 Store
type influxStore struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	query  api.QueryAPI
	bucket string
}

// NewInfluxStore connects to an InfluxDB v2 instance
func NewInfluxStore(url, token, org, bucket string) Store {
	client := influxdb2.NewClientWithOptions(url, token,
		influxdb2.DefaultOptions().SetPrecision(time.Millisecond))
	return &influxStore{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		query:  client.QueryAPI(org),
		bucket: bucket,
	}
}

func (s *influxStore) Ping(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return err
	}
	if health.Status != "pass" {
		return fmt.Errorf("influxdb health: %s", health.Status)
	}
	return nil
}

func (s *influxStore) WriteBatch(ctx context.Context, batch []Measurement) error {
	points := make([]*write.Point, 0, len(batch))
	for _, m := range batch {
		points = append(points, influxdb2.NewPoint(m.Name, m.Tags, m.Fields, m.Timestamp))
	}
	return s.write.WritePoint(ctx, points...)
}

// LastBlockHeights runs a Flux query for the latest block_height value
// of every (endpoint, chainId) series in the lookback period.
func (s *influxStore) LastBlockHeights(ctx context.Context, lookback time.Duration) (map[HeightKey]uint64, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == "block_height" and r._field == "value")
  |> last()`, s.bucket, int(lookback.Seconds()))

	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	heights := make(map[HeightKey]uint64)
	for result.Next() {
		record := result.Record()
		endpoint, _ := record.ValueByKey("endpoint").(string)
		chainTag, _ := record.ValueByKey("chainId").(string)
		chainID, err := strconv.Atoi(chainTag)
		if err != nil {
			continue
		}

		var height uint64
		switch v := record.Value().(type) {
		case int64:
			if v > 0 {
				height = uint64(v)
			}
		case float64:
			if v > 0 {
				height = uint64(v)
			}
		}
		if height > 0 && endpoint != "" {
			heights[HeightKey{Endpoint: endpoint, ChainID: chainID}] = height
		}
	}
	if result.Err() != nil {
		return nil, result.Err()
	}
	return heights, nil
}

func (s *influxStore) Close() {
	s.client.Close()
}
