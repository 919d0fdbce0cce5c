// Package metrics publishes orchestration telemetry to CloudWatch.
package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/orchestrate"
)

// CloudWatchAPI is the slice of the CloudWatch client the recorder uses.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Recorder implements orchestrate.Recorder. Publishing is best-effort:
// a metrics outage must never fail a fulfillment, so errors are logged
// and swallowed.
type Recorder struct {
	client    CloudWatchAPI
	namespace string
	logger    fulfillment.Logger
}

func NewRecorder(client CloudWatchAPI, namespace string, logger fulfillment.Logger) *Recorder {
	if namespace == "" {
		namespace = "Fulfillment"
	}
	return &Recorder{
		client:    client,
		namespace: namespace,
		logger:    fulfillment.NormalizeLogger(logger),
	}
}

func (r *Recorder) Record(ctx context.Context, result *orchestrate.Result) {
	if result == nil {
		return
	}
	now := time.Now().UTC()
	outcome := []cwtypes.Dimension{{
		Name:  aws.String("Outcome"),
		Value: aws.String(string(result.Outcome)),
	}}

	data := []cwtypes.MetricDatum{
		{
			MetricName: aws.String("FulfillmentCount"),
			Dimensions: outcome,
			Timestamp:  aws.Time(now),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
		},
		{
			MetricName: aws.String("FulfillmentDuration"),
			Dimensions: outcome,
			Timestamp:  aws.Time(now),
			Value:      aws.Float64(float64(result.Elapsed.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
		},
	}

	byVendor := map[string]int{}
	for _, attempt := range result.Attempts {
		byVendor[attempt.Vendor]++
	}
	for vendor, count := range byVendor {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("VendorAttempts"),
			Dimensions: []cwtypes.Dimension{{
				Name:  aws.String("Vendor"),
				Value: aws.String(vendor),
			}},
			Timestamp: aws.Time(now),
			Value:     aws.Float64(float64(count)),
			Unit:      cwtypes.StandardUnitCount,
		})
	}

	_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(r.namespace),
		MetricData: data,
	})
	if err != nil {
		r.logger.Warn("metric publish failed for order %s: %v", result.OrderID, err)
	}
}
