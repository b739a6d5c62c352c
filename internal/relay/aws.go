package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/telemyapp/aegis-broker/internal/metrics"
)

const (
	nodeIDTag = "AegisNodeID"
	aliasTag  = "AegisNodeAlias"
)

// EC2Source discovers relay nodes from running EC2 instances carrying a
// management tag. The node id is the AegisNodeID tag, falling back to the
// instance id; the alias is AegisNodeAlias, then Name, then the region.
type EC2Source struct {
	regions   []string
	tagKey    string
	tagValue  string
	log       *slog.Logger
	newClient func(ctx context.Context, region string) (ec2.DescribeInstancesAPIClient, error)
}

type EC2SourceOptions struct {
	Regions  []string
	TagKey   string
	TagValue string
	Logger   *slog.Logger
}

func NewEC2Source(opts EC2SourceOptions) (*EC2Source, error) {
	if len(opts.Regions) == 0 {
		return nil, fmt.Errorf("at least one region is required")
	}
	tagKey := strings.TrimSpace(opts.TagKey)
	if tagKey == "" {
		tagKey = "ManagedBy"
	}
	tagValue := strings.TrimSpace(opts.TagValue)
	if tagValue == "" {
		tagValue = "aegis-relay"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EC2Source{
		regions:   opts.Regions,
		tagKey:    tagKey,
		tagValue:  tagValue,
		log:       logger.With("component", "ec2_source"),
		newClient: defaultEC2Client,
	}, nil
}

func defaultEC2Client(ctx context.Context, region string) (ec2.DescribeInstancesAPIClient, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

func (s *EC2Source) Name() string {
	return "ec2"
}

// Nodes lists tagged running instances across all regions. Regions the
// account cannot access are skipped; any other failure fails the reload so
// the registry keeps its previous list.
func (s *EC2Source) Nodes(ctx context.Context) ([]Node, error) {
	out := make([]Node, 0)
	for _, region := range s.regions {
		nodes, err := s.regionNodes(ctx, region)
		if err != nil {
			if shouldSkipRegionError(err) {
				s.log.Warn("skipping inaccessible region", "region", region, "code", awsErrorCode(err))
				continue
			}
			return nil, fmt.Errorf("describe instances in %s: %w", region, err)
		}
		out = append(out, nodes...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *EC2Source) regionNodes(ctx context.Context, region string) ([]Node, error) {
	client, err := s.newClient(ctx, region)
	if err != nil {
		return nil, err
	}
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + s.tagKey), Values: []string{s.tagValue}},
			{Name: aws.String("instance-state-name"), Values: []string{string(ec2types.InstanceStateNameRunning)}},
		},
	}
	paginator := ec2.NewDescribeInstancesPaginator(client, input)

	nodes := make([]Node, 0)
	start := time.Now()
	for paginator.HasMorePages() {
		var page *ec2.DescribeInstancesOutput
		err := retryAWS(ctx, s.log, "describe_instances", region, func(callCtx context.Context) error {
			var pageErr error
			page, pageErr = paginator.NextPage(callCtx)
			return pageErr
		})
		if err != nil {
			observeAWS("describe_instances", region, "error", start)
			return nil, err
		}
		nodes = append(nodes, nodesFromReservations(page.Reservations, region)...)
	}
	observeAWS("describe_instances", region, "ok", start)
	return nodes, nil
}

func observeAWS(op, region, status string, start time.Time) {
	labels := map[string]string{"op": op, "region": region, "status": status}
	metrics.Default().IncCounter("aegis_aws_operations_total", labels)
	metrics.Default().ObserveHistogram("aegis_aws_operation_latency_ms", float64(time.Since(start).Milliseconds()), labels)
}

func nodesFromReservations(reservations []ec2types.Reservation, region string) []Node {
	out := make([]Node, 0)
	for _, res := range reservations {
		for _, inst := range res.Instances {
			id := tagValue(inst.Tags, nodeIDTag)
			if id == "" {
				id = aws.ToString(inst.InstanceId)
			}
			if id == "" {
				continue
			}
			alias := tagValue(inst.Tags, aliasTag)
			if alias == "" {
				alias = tagValue(inst.Tags, "Name")
			}
			if alias == "" {
				alias = region
			}
			out = append(out, Node{ID: id, Alias: alias})
		}
	}
	return out
}

func tagValue(tags []ec2types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return strings.TrimSpace(aws.ToString(t.Value))
		}
	}
	return ""
}

func shouldSkipRegionError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "OptInRequired", "AuthFailure", "UnauthorizedOperation":
		return true
	default:
		return false
	}
}

func retryAWS(ctx context.Context, logger *slog.Logger, opName, region string, fn func(context.Context) error) error {
	const (
		maxAttempts = 4
		baseDelay   = 250 * time.Millisecond
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientAWSError(err) {
			return err
		}
		if attempt == maxAttempts {
			metrics.Default().IncCounter("aegis_aws_retry_exhausted_total", map[string]string{
				"op":     opName,
				"region": region,
			})
			return err
		}
		reason := awsErrorCode(err)
		metrics.Default().IncCounter("aegis_aws_retries_total", map[string]string{
			"op":     opName,
			"region": region,
			"reason": reason,
		})
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		logger.Warn("aws retry", "op", opName, "region", region, "attempt", attempt, "delay_ms", delay.Milliseconds(), "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	max := uint64(span)
	if max == 0 {
		return floor + (span / 2)
	}
	n := binary.LittleEndian.Uint64(raw[:]) % max
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}

func isTransientAWSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"RequestThrottled",
		"ServiceUnavailable",
		"InternalError",
		"RequestTimeout",
		"EC2ThrottledException":
		return true
	default:
		return false
	}
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
