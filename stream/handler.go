// Package stream provides a DynamoDB Streams handler that applies write plans.
//
// A plan is a JSON unit of work (see unitofwork.Plan) stored in the "plan"
// string attribute of an item written to a plans table. Each INSERT record is
// decoded, built and submitted as one batch.
//
// The event source mapping must enable ReportBatchItemFailures: a failing
// record and every record after it are reported back, so the stream
// checkpoints past plans that already committed and retries only the rest.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/tessera/batch"
	"github.com/jacentio/tessera/unitofwork"
)

// PlanAttribute is the stream image attribute holding the plan JSON.
const PlanAttribute = "plan"

// BatchError is returned when a plan's batch does not commit.
type BatchError struct {
	EventID string
	Result  batch.Result
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("tessera: plan %s %s: %v", e.EventID, e.Result.Outcome, e.Result.Err)
}

func (e *BatchError) Unwrap() error { return e.Result.Err }

// Handler processes DynamoDB stream events carrying write plans.
type Handler struct {
	engine   *batch.Engine
	registry *unitofwork.Registry
	logger   *slog.Logger
	timeout  time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithBatchTimeout bounds each plan's batch. Zero means no bound.
func WithBatchTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.timeout = d
	}
}

// NewHandler creates a new stream handler.
func NewHandler(engine *batch.Engine, registry *unitofwork.Registry, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		engine:   engine,
		registry: registry,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandlePlans applies the plan of every INSERT record in order. It stops at
// the first failing record and reports it, with every later record, as a
// batch item failure. Plans are not idempotent, so committed records must
// never be retried.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandlePlans(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	for i, record := range event.Records {
		err := h.HandleRecord(ctx, record)
		if err == nil {
			continue
		}
		h.logger.Error("failed to process record",
			"eventID", record.EventID,
			"remaining", len(event.Records)-i,
			"error", err,
		)
		for _, rest := range event.Records[i:] {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: rest.Change.SequenceNumber,
			})
		}
		break
	}
	return resp, nil
}

// HandleRecord applies the plan of a single record. Records that are not
// INSERTs or carry no plan are skipped. A batch that does not commit is
// returned as a *BatchError.
func (h *Handler) HandleRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	if record.EventName != string(events.DynamoDBOperationTypeInsert) {
		return nil
	}

	raw := getStringAttr(record.Change.NewImage, PlanAttribute)
	if raw == "" {
		h.logger.Debug("record has no plan", "eventID", record.EventID)
		return nil
	}

	plan, err := unitofwork.DecodePlan([]byte(raw))
	if err != nil {
		return fmt.Errorf("decode plan: %w", err)
	}
	uow := unitofwork.New(h.registry)
	if err := plan.Build(uow); err != nil {
		return fmt.Errorf("build plan: %w", err)
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	res := uow.Submit(ctx, h.engine)
	if !res.Committed() {
		return &BatchError{EventID: record.EventID, Result: res}
	}

	h.logger.Info("plan applied",
		"eventID", record.EventID,
		"key", ConvertStreamKey(record.Change.Keys),
		"batchID", res.BatchID,
		"commands", res.Executed,
	)
	return nil
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// ConvertStreamKey converts a DynamoDB stream key to plain Go values.
// Integral numbers become int64, other numbers float64.
func ConvertStreamKey(streamKey map[string]events.DynamoDBAttributeValue) map[string]any {
	result := make(map[string]any, len(streamKey))
	for k, v := range streamKey {
		switch v.DataType() {
		case events.DataTypeString:
			result[k] = v.String()
		case events.DataTypeNumber:
			if n, err := strconv.ParseInt(v.Number(), 10, 64); err == nil {
				result[k] = n
			} else if f, err := strconv.ParseFloat(v.Number(), 64); err == nil {
				result[k] = f
			} else {
				result[k] = v.Number()
			}
		case events.DataTypeBinary:
			result[k] = v.Binary()
		case events.DataTypeBoolean:
			result[k] = v.Boolean()
		}
	}
	return result
}
