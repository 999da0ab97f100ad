// Package service maps the NATS request/reply surface onto the validator
// and store adapter, and assembles the typed result messages. Handlers
// hold no mutable graph state; all cross-request ordering lives in the
// store.
package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	teeerrors "github.com/meadowlark-bradsher/tee/errors"
	"github.com/meadowlark-bradsher/tee/graph"
	"github.com/meadowlark-bradsher/tee/metric"
	"github.com/meadowlark-bradsher/tee/natsclient"
	"github.com/meadowlark-bradsher/tee/store"
)

// Subject suffixes under the configured prefix
const (
	SubjectMergeHypothesis     = "hypothesis.merge"
	SubjectCreateIncident      = "incident.create"
	SubjectIncidentContext     = "incident.context"
	SubjectMergeNodeTombstones = "tombstone.node.merge"
	SubjectMergeEdgeTombstones = "tombstone.edge.merge"
	SubjectLiveView            = "view.live"
	SubjectTombstones          = "view.tombstones"
	SubjectMainGraph           = "graph.main"
)

// DefaultRequestTimeout bounds one RPC including its store round-trips
const DefaultRequestTimeout = 5 * time.Second

// Dependencies holds everything the service needs
type Dependencies struct {
	NATSClient *natsclient.Client
	Store      store.Store
	Metrics    *metric.Registry
	Logger     *slog.Logger

	SubjectPrefix  string
	RequestTimeout time.Duration
}

// Service is the RPC façade
type Service struct {
	natsClient *natsclient.Client
	store      store.Store
	metrics    *metric.Metrics
	logger     *slog.Logger

	prefix         string
	requestTimeout time.Duration

	subs  []*nats.Subscription
	ready atomic.Bool
}

// New creates the service façade
func New(deps Dependencies) (*Service, error) {
	if deps.Store == nil {
		return nil, teeerrors.WrapInvalid(nil, "Service", "New", "store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SubjectPrefix == "" {
		deps.SubjectPrefix = "tee"
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = DefaultRequestTimeout
	}

	var metrics *metric.Metrics
	if deps.Metrics != nil {
		metrics = deps.Metrics.Metrics
	}

	return &Service{
		natsClient:     deps.NATSClient,
		store:          deps.Store,
		metrics:        metrics,
		logger:         deps.Logger,
		prefix:         deps.SubjectPrefix,
		requestTimeout: deps.RequestTimeout,
	}, nil
}

// handler decodes one request type and produces the full typed response
type handler func(ctx context.Context, data []byte) any

// handlers maps subject suffixes to their handlers
func (s *Service) handlers() map[string]handler {
	return map[string]handler{
		SubjectMergeHypothesis:     s.handleMergeHypothesis,
		SubjectCreateIncident:      s.handleCreateIncident,
		SubjectIncidentContext:     s.handleIncidentContext,
		SubjectMergeNodeTombstones: s.handleMergeNodeTombstones,
		SubjectMergeEdgeTombstones: s.handleMergeEdgeTombstones,
		SubjectLiveView:            s.handleLiveView,
		SubjectTombstones:          s.handleTombstones,
		SubjectMainGraph:           s.handleMainGraph,
	}
}

// Subject returns the full subject for a suffix
func (s *Service) Subject(suffix string) string {
	return s.prefix + "." + suffix
}

// Start subscribes every RPC subject on the NATS connection
func (s *Service) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if s.natsClient == nil {
		return teeerrors.WrapFatal(nil, "Service", "Start", "NATS client not initialized")
	}
	nc := s.natsClient.GetConnection()
	if nc == nil {
		return teeerrors.WrapFatal(nil, "Service", "Start", "NATS connection not available")
	}

	for suffix, h := range s.handlers() {
		subject := s.Subject(suffix)
		sub, err := nc.Subscribe(subject, s.dispatch(subject, h))
		if err != nil {
			return teeerrors.Wrap(err, "Service", "Start",
				fmt.Sprintf("subscribe to %s", subject))
		}
		s.subs = append(s.subs, sub)

		s.logger.Info("subscribed to RPC subject", "subject", subject)
	}

	s.ready.Store(true)
	s.logger.Info("RPC surface ready", "subjects", len(s.subs), "prefix", s.prefix)
	return nil
}

// Stop unsubscribes every subject; in-flight handlers finish on their own
func (s *Service) Stop() {
	s.ready.Store(false)
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	s.subs = nil
}

// IsReady reports whether the service accepts requests
func (s *Service) IsReady() bool {
	return s.ready.Load()
}

// dispatch wraps a handler with readiness gating, per-request deadline,
// metrics and the reply write
func (s *Service) dispatch(subject string, h handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		start := time.Now()
		if s.metrics != nil {
			s.metrics.RecordRequest(subject)
		}

		if !s.ready.Load() {
			err := teeerrors.WrapTransient(nil, "Service", "dispatch", "service not ready")
			s.respond(msg, graph.NewRPCResponse(false, err, errorCode(err), "", ""))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		defer cancel()

		resp := h(ctx, msg.Data)
		s.respond(msg, resp)

		if s.metrics != nil {
			s.metrics.RecordHandled(subject, responseStatus(resp))
			s.metrics.RecordDuration(subject, time.Since(start))
		}
	}
}

// respond sends a JSON response to a NATS request
func (s *Service) respond(msg *nats.Msg, response any) {
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("failed to marshal response",
			"error", err,
			"type", fmt.Sprintf("%T", response),
		)
		errResp := graph.RPCResponse{
			Success:   false,
			Error:     fmt.Sprintf("internal error: failed to marshal response: %v", err),
			ErrorCode: teeerrors.ErrorFatal.String(),
			Timestamp: time.Now().UnixNano(),
		}
		if errData, err := json.Marshal(errResp); err == nil {
			_ = msg.Respond(errData)
		}
		return
	}

	if err := msg.Respond(data); err != nil {
		s.logger.Error("failed to send response",
			"error", err,
			"subject", msg.Subject,
		)
	}
}

// errorCode maps an error onto the wire taxonomy. A cancellation observed
// before commit is its own code, distinct from failure.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	if stderrors.Is(err, context.Canceled) {
		return "canceled"
	}
	return teeerrors.Classify(err).String()
}

// responseStatus extracts the success flag for metrics labels
func responseStatus(response any) string {
	type successer interface{ Succeeded() bool }
	if s, ok := response.(successer); ok {
		if s.Succeeded() {
			return "ok"
		}
		return "error"
	}
	return "ok"
}
