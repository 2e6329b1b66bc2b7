package rule

import (
	"bytes"
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/goccy/go-json"
	"github.com/relabs-tech/iotsetup/core/logger"
)

// Response is returned to the invoker of the rule action
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Handler handles the event produced by the topic rule
//
//	SELECT * FROM '<publish topic>'
//
// It logs the event and echoes it back in the body.
func Handler(ctx context.Context, event json.RawMessage) (Response, error) {
	ctx, rlog := logger.ContextWithLogger(ctx)
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		rlog = rlog.WithField("requestID", lc.AwsRequestID)
	}

	var body bytes.Buffer
	if err := json.Compact(&body, event); err != nil {
		rlog.WithError(err).Warn("event is not valid JSON")
		return Response{StatusCode: http.StatusBadRequest, Body: err.Error()}, nil
	}
	rlog.WithField("event", body.String()).Info("rule event")
	return Response{StatusCode: http.StatusOK, Body: body.String()}, nil
}

// LocalInvoker returns a rule action for the local broker which invokes Handler for every
// message published on a rule topic. Payloads which are not JSON are dropped, since
// SELECT * only yields a JSON event for JSON payloads.
func LocalInvoker() func(ctx context.Context, topic string, payload []byte) {
	return func(ctx context.Context, topic string, payload []byte) {
		rlog := logger.FromContext(ctx).WithField("topic", topic)
		if !json.Valid(payload) {
			rlog.Warn("dropping non-JSON payload")
			return
		}
		res, err := Handler(ctx, json.RawMessage(payload))
		if err != nil {
			rlog.WithError(err).Error("rule handler failed")
			return
		}
		rlog.WithField("statusCode", res.StatusCode).Debug("rule handler done")
	}
}
