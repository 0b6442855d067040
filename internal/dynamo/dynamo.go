// Package dynamo stores glucose readings in a DynamoDB table keyed by sensor and time
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	log "github.com/sirupsen/logrus"

	"github.com/mrcode/cgm-bridge/internal/engine"
	"github.com/mrcode/cgm-bridge/internal/models"
)

const (
	// batchSize is the BatchWriteItem request limit
	batchSize = 25
	// maxUnprocessedRetries bounds resubmission of throttled batch items
	maxUnprocessedRetries = 3

	unknownSensor = "unknown"

	// sortKeyLayout has a fixed width so keys sort by time
	sortKeyLayout = "2006-01-02T15:04:05.000Z07:00"
)

// ErrUnprocessed is returned when throttled items could not be written after retrying
var ErrUnprocessed = errors.New("dynamodb left items unprocessed")

// Item is one stored reading. SK is the UTC timestamp, so a rewrite of the
// same reading replaces the earlier item.
type Item struct {
	PK        string  `dynamodbav:"PK"`
	SK        string  `dynamodbav:"SK"`
	Value     float64 `dynamodbav:"value"`
	Kind      string  `dynamodbav:"kind"`
	Synthetic bool    `dynamodbav:"synthetic,omitempty"`
	TTL       int64   `dynamodbav:"ttl,omitempty"`
}

// Options configures a Sink
type Options struct {
	Table     string
	Retention time.Duration // Items expire this long after the reading; 0 keeps them
}

// Sink writes readings to DynamoDB
type Sink struct {
	client    dynamodbiface.DynamoDBAPI
	table     string
	retention time.Duration
	sensor    func() string
	backoff   time.Duration
}

// NewClient creates a DynamoDB client for region using the default credential chain
func NewClient(region string) (*dynamodb.DynamoDB, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return dynamodb.New(sess), nil
}

// NewSink creates a sink. sensor returns the serial number used as partition key.
func NewSink(client dynamodbiface.DynamoDBAPI, opts Options, sensor func() string) *Sink {
	return &Sink{
		client:    client,
		table:     opts.Table,
		retention: opts.Retention,
		sensor:    sensor,
		backoff:   200 * time.Millisecond,
	}
}

// partitionKey prefers the sensor the engine tagged on ctx over the current one,
// so readings retried after a sensor change stay with the sensor that produced them
func (s *Sink) partitionKey(ctx context.Context) string {
	if serial, ok := engine.SensorFromContext(ctx); ok {
		return serial
	}
	if s.sensor == nil {
		return unknownSensor
	}
	if serial := s.sensor(); serial != "" {
		return serial
	}
	return unknownSensor
}

func sortKey(t time.Time) string {
	return t.UTC().Format(sortKeyLayout)
}

func (s *Sink) item(pk string, r models.GlucoseReading) Item {
	it := Item{
		PK:        pk,
		SK:        sortKey(r.Time),
		Value:     r.Value,
		Kind:      string(r.Kind),
		Synthetic: r.Synthetic,
	}
	if s.retention > 0 {
		it.TTL = r.Time.Add(s.retention).Unix()
	}
	return it
}

// AppendReadings writes readings in batches of 25
func (s *Sink) AppendReadings(ctx context.Context, readings []models.GlucoseReading) error {
	pk := s.partitionKey(ctx)
	for start := 0; start < len(readings); start += batchSize {
		end := min(start+batchSize, len(readings))

		requests := make([]*dynamodb.WriteRequest, 0, end-start)
		for _, r := range readings[start:end] {
			av, err := dynamodbattribute.MarshalMap(s.item(pk, r))
			if err != nil {
				return fmt.Errorf("marshal reading: %w", err)
			}
			requests = append(requests, &dynamodb.WriteRequest{PutRequest: &dynamodb.PutRequest{Item: av}})
		}

		if err := s.writeBatch(ctx, requests); err != nil {
			return err
		}
	}

	log.WithFields(log.Fields{
		"table":  s.table,
		"sensor": pk,
		"count":  len(readings),
	}).Debug("Stored readings in DynamoDB")
	return nil
}

func (s *Sink) writeBatch(ctx context.Context, requests []*dynamodb.WriteRequest) error {
	for attempt := 0; len(requests) > 0; attempt++ {
		if attempt > maxUnprocessedRetries {
			return fmt.Errorf("%w: %d items", ErrUnprocessed, len(requests))
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff * time.Duration(attempt)):
			}
		}

		out, err := s.client.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]*dynamodb.WriteRequest{s.table: requests},
		})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		requests = out.UnprocessedItems[s.table]
	}
	return nil
}

// AppendCalibration writes a single calibration reading
func (s *Sink) AppendCalibration(ctx context.Context, calibration models.GlucoseReading) error {
	av, err := dynamodbattribute.MarshalMap(s.item(s.partitionKey(ctx), calibration))
	if err != nil {
		return fmt.Errorf("marshal calibration: %w", err)
	}

	if _, err := s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("failed to put item: %w", err)
	}
	return nil
}

// Readings returns the stored readings of sensor with from <= time <= to, oldest first
func (s *Sink) Readings(ctx context.Context, sensor string, from, to time.Time) ([]models.GlucoseReading, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":pk":   {S: aws.String(sensor)},
			":from": {S: aws.String(sortKey(from))},
			":to":   {S: aws.String(sortKey(to))},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var items []Item
	var pageErr error
	err := s.client.QueryPagesWithContext(ctx, input, func(page *dynamodb.QueryOutput, _ bool) bool {
		var batch []Item
		if pageErr = dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); pageErr != nil {
			return false
		}
		items = append(items, batch...)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	if pageErr != nil {
		return nil, fmt.Errorf("unmarshal readings: %w", pageErr)
	}

	readings := make([]models.GlucoseReading, 0, len(items))
	for _, it := range items {
		t, err := time.Parse(sortKeyLayout, it.SK)
		if err != nil {
			log.WithField("sk", it.SK).Warn("Skipping item with bad sort key")
			continue
		}
		readings = append(readings, models.GlucoseReading{
			Time:      t,
			Value:     it.Value,
			Kind:      models.ReadingKind(it.Kind),
			Synthetic: it.Synthetic,
		})
	}
	return readings, nil
}
