package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"propcore/internal/backends"
	"propcore/internal/ctxlog"
	"propcore/internal/forcefield"
	"propcore/internal/storage"
	"propcore/pkg/domain"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propcore",
		Name:      "requests_total",
		Help:      "Estimation requests by terminal status.",
	}, []string{"status"})
	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "propcore",
		Name:      "request_duration_seconds",
		Help:      "Wall time from submission to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
	})
	propertiesEstimated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propcore",
		Name:      "properties_estimated_total",
		Help:      "Properties estimated, by calculation layer.",
	}, []string{"layer"})
)

// ServiceConfig wires a Service to its infrastructure.
type ServiceConfig struct {
	Backend backends.Backend
	Storage *storage.Store
	// WorkingDir must match the working directory the backend executes
	// tasks under; layers use it to locate protocol outputs.
	WorkingDir string
}

// Service accepts estimation requests, fans each one out over its
// substance batches and calculation layers, and retains results for
// polling. All processing is asynchronous; submission returns as soon
// as the request is queued.
type Service struct {
	backend    backends.Backend
	store      *storage.Store
	workingDir string

	mu       sync.RWMutex
	requests map[string]*RequestResult
	wg       sync.WaitGroup
}

// NewService validates the configuration and returns a ready service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("service requires a compute backend")
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "working-data"
	}
	return &Service{
		backend:    cfg.Backend,
		store:      cfg.Storage,
		workingDir: cfg.WorkingDir,
		requests:   map[string]*RequestResult{},
	}, nil
}

// SubmitRequest queues a request and returns its id immediately.
func (s *Service) SubmitRequest(ctx context.Context, request EstimationRequest) (string, error) {
	if err := request.Validate(); err != nil {
		return "", err
	}
	source := forcefield.NewSource(request.ForceField)
	if _, err := source.ForceField(); err != nil {
		return "", fmt.Errorf("parse force field: %w", err)
	}
	options := request.Options.withDefaults()
	layers := make([]CalculationLayer, 0, len(options.Layers))
	deps := LayerDependencies{Backend: s.backend, Storage: s.store, WorkingDir: s.workingDir}
	for _, name := range options.Layers {
		layer, err := NewLayer(name, deps)
		if err != nil {
			return "", err
		}
		layers = append(layers, layer)
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.requests[id] = &RequestResult{ID: id, Status: StatusQueued}
	s.mu.Unlock()

	logger := ctxlog.FromContext(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		background := ctxlog.WithLogger(context.Background(), logger.With("request", id))
		s.process(background, id, request, options, source, layers)
	}()
	return id, nil
}

// Result returns the current view of a request.
func (s *Service) Result(id string) (RequestResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.requests[id]
	if !ok {
		return RequestResult{}, false
	}
	return *result, true
}

// Wait blocks until every queued request has reached a terminal
// status. Intended for shutdown and tests.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) process(ctx context.Context, id string, request EstimationRequest, options RequestOptions, source *forcefield.Source, layers []CalculationLayer) {
	logger := ctxlog.FromContext(ctx)
	started := time.Now()
	s.setStatus(id, StatusRunning)

	var estimated []domain.PhysicalProperty
	var exceptions []PropertyException
	var unestimated []domain.PhysicalProperty

	for _, batch := range batchBySubstance(id, request, options, source) {
		remaining := batch.Properties
		for _, layer := range layers {
			if len(remaining) == 0 {
				break
			}
			batch.Properties = remaining
			layerResult := layer.Estimate(ctx, batch)
			estimated = append(estimated, layerResult.Estimated...)
			exceptions = append(exceptions, layerResult.Exceptions...)
			remaining = layerResult.Unestimated
			propertiesEstimated.WithLabelValues(layer.Name()).Add(float64(len(layerResult.Estimated)))
		}
		unestimated = append(unestimated, remaining...)
	}

	s.mu.Lock()
	result := s.requests[id]
	result.Status = StatusComplete
	result.EstimatedProperties = estimated
	result.UnestimatedProperties = unestimated
	result.Exceptions = exceptions
	s.mu.Unlock()

	requestsTotal.WithLabelValues(string(StatusComplete)).Inc()
	requestDuration.Observe(time.Since(started).Seconds())
	logger.Info("request complete",
		"estimated", len(estimated),
		"unestimated", len(unestimated),
		"exceptions", len(exceptions),
		"elapsed", time.Since(started))
}

func (s *Service) setStatus(id string, status RequestStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result, ok := s.requests[id]; ok {
		result.Status = status
	}
}

// batchBySubstance splits a request's dataset into per-substance
// batches so that shared simulation work merges within each batch.
// Batches are ordered by substance identifier for determinism.
func batchBySubstance(requestID string, request EstimationRequest, options RequestOptions, source *forcefield.Source) []Batch {
	substances := request.DataSet.Substances()
	identifiers := make([]string, 0, len(substances))
	for identifier := range substances {
		identifiers = append(identifiers, identifier)
	}
	sort.Strings(identifiers)

	batches := make([]Batch, 0, len(identifiers))
	for _, identifier := range identifiers {
		subset := request.DataSet.FilterBySubstance(identifier)
		properties := subset.Properties()
		// Point every property at the canonical substance so literal
		// inputs compare equal during protocol merging.
		canonical := substances[identifier]
		for i := range properties {
			properties[i].Substance = canonical
		}
		batches = append(batches, Batch{
			RequestID:    requestID,
			SubstanceID:  identifier,
			Properties:   properties,
			ForceField:   source,
			Options:      options,
			GradientKeys: request.GradientKeys,
		})
	}
	return batches
}
