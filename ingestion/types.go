package ingestion

import (
	"encoding/json"
	"fmt"
	"time"
)

// Quality describes the sensor's own assessment of a reading.
type Quality string

const (
	QualityGood      Quality = "Good"
	QualityBad       Quality = "Bad"
	QualityUncertain Quality = "Uncertain"
)

// DataPoint is a single timestamped reading from an upstream source.
// SequenceID is nil when the producer only knows the logical point name;
// the resolver fills it in before persistence.
type DataPoint struct {
	SequenceID *int64    `json:"pointSequenceId,omitempty" yaml:"pointSequenceId,omitempty"`
	Name       string    `json:"name,omitempty" yaml:"name,omitempty"`
	Value      float64   `json:"value" yaml:"value"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	Quality    Quality   `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// DataPointBatch is the unit of delivery on the ingest topic. BatchID is the
// idempotency key and is stable across redelivery of the same logical batch.
type DataPointBatch struct {
	BatchID string      `json:"batchId"`
	Points  []DataPoint `json:"points"`
}

// CurrentValue is the latest known reading for one point, kept in the
// current-value cache independently of history.
type CurrentValue struct {
	SequenceID int64     `json:"sequenceId"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
	Quality    Quality   `json:"quality"`
}

// DecodeDataPointBatch parses the JSON body of an ingest topic message.
func DecodeDataPointBatch(payload []byte) (*DataPointBatch, error) {
	var batch DataPointBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, fmt.Errorf("decoding data point batch: %w", err)
	}
	return &batch, nil
}
