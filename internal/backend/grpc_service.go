package backend

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"procodus.dev/fleet-dash/internal/fleet"
	"procodus.dev/fleet-dash/pkg/fleetrpc"
	"procodus.dev/fleet-dash/pkg/metrics"
	"procodus.dev/fleet-dash/pkg/telemetry"
)

// RankingEngine is the read side served by FleetService.
type RankingEngine interface {
	RankPage(ctx context.Context, req fleet.PageRequest) (fleet.RankedPage, error)
	Device(ctx context.Context, key telemetry.DeviceKey) (fleet.DeviceDetail, error)
	Summary(ctx context.Context) (fleet.FleetSummary, error)
	CycleCounts(ctx context.Context, hours int) ([]fleet.CycleCounts, error)
}

// TallyService is the cycle tally side served by FleetService.
type TallyService interface {
	Process(ctx context.Context) (int, error)
	SetTotal(ctx context.Context, batteryID string, total float64) (telemetry.CycleTallyEntry, error)
	List(ctx context.Context) ([]telemetry.CycleTallyEntry, error)
}

// FleetService implements fleetrpc.FleetServer.
type FleetService struct {
	logger  *slog.Logger
	ranker  RankingEngine
	tally   TallyService
	metrics *metrics.BackendMetrics
}

var _ fleetrpc.FleetServer = (*FleetService)(nil)

// NewFleetService creates a new FleetService instance.
func NewFleetService(logger *slog.Logger, ranker RankingEngine, tally TallyService, m *metrics.BackendMetrics) (*FleetService, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if ranker == nil {
		return nil, errors.New("ranking engine cannot be nil")
	}

	if tally == nil {
		return nil, errors.New("tally service cannot be nil")
	}

	return &FleetService{
		logger:  logger,
		ranker:  ranker,
		tally:   tally,
		metrics: m,
	}, nil
}

// track records in-flight, duration and outcome metrics of one call.
func (s *FleetService) track(method string) func(outcome string) {
	if s.metrics == nil {
		return func(string) {}
	}

	s.metrics.GRPCRequestsInFlight.WithLabelValues(method).Inc()
	timer := prometheus.NewTimer(s.metrics.GRPCRequestDuration.WithLabelValues(method))

	return func(outcome string) {
		timer.ObserveDuration()
		s.metrics.GRPCRequestsInFlight.WithLabelValues(method).Dec()
		s.metrics.GRPCRequestsTotal.WithLabelValues(method, outcome).Inc()
	}
}

// toStatus maps engine errors to gRPC status codes. Unexpected failures are
// logged and surface as a generic "failed to compute <what>".
func (s *FleetService) toStatus(method, what string, err error) (string, error) {
	switch {
	case errors.Is(err, fleet.ErrInvalidPage),
		errors.Is(err, fleet.ErrInvalidPageSize),
		errors.Is(err, fleet.ErrInvalidTally):
		return "invalid", status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, fleet.ErrDeviceNotFound):
		return "not_found", status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return "canceled", status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("request deadline exceeded", "method", method, "error", err)
		return "error", status.Error(codes.DeadlineExceeded, "failed to compute "+what+": deadline exceeded")
	default:
		s.logger.Error("failed to compute "+what, "method", method, "error", err)
		return "error", status.Error(codes.Internal, "failed to compute "+what)
	}
}

// RankDevices returns one page of the anomaly-prioritized device ranking.
// Zero page and page size select the defaults.
func (s *FleetService) RankDevices(ctx context.Context, req *fleetrpc.RankDevicesRequest) (*fleetrpc.RankDevicesResponse, error) {
	done := s.track(fleetrpc.MethodRankDevices)

	pageReq := fleet.PageRequest{Page: req.Page, PageSize: req.PageSize}
	if pageReq.Page == 0 {
		pageReq.Page = 1
	}
	if pageReq.PageSize == 0 {
		pageReq.PageSize = fleet.DefaultPageSize
	}

	page, err := s.ranker.RankPage(ctx, pageReq)
	if err != nil {
		outcome, st := s.toStatus(fleetrpc.MethodRankDevices, "ranking", err)
		done(outcome)
		return nil, st
	}

	items := make([]fleetrpc.DeviceRowView, len(page.Items))
	for i, row := range page.Items {
		items[i] = fleetrpc.NewDeviceRowView(row)
	}

	p := page.Pagination
	s.logger.Debug("ranked devices", "page", p.Page, "page_size", p.PageSize, "total_items", p.TotalItems)

	done("success")
	return &fleetrpc.RankDevicesResponse{
		Items: items,
		Pagination: fleetrpc.PaginationView{
			Page:         p.Page,
			PageSize:     p.PageSize,
			TotalItems:   p.TotalItems,
			TotalPages:   p.TotalPages,
			HasNext:      p.HasNext,
			HasPrevious:  p.HasPrevious,
			AnomalyCount: p.AnomalyCount,
			NormalCount:  p.NormalCount,
		},
	}, nil
}

// GetDevice returns the drill-down view of one device.
func (s *FleetService) GetDevice(ctx context.Context, req *fleetrpc.GetDeviceRequest) (*fleetrpc.GetDeviceResponse, error) {
	done := s.track(fleetrpc.MethodGetDevice)

	key, ok := telemetry.Canonicalize(req.DeviceKey, "")
	if !ok {
		done("invalid")
		return nil, status.Error(codes.InvalidArgument, "device_key cannot be empty")
	}

	detail, err := s.ranker.Device(ctx, key)
	if err != nil {
		outcome, st := s.toStatus(fleetrpc.MethodGetDevice, "device detail", err)
		done(outcome)
		return nil, st
	}

	buckets := make([]fleetrpc.BucketView, len(detail.Buckets))
	for i, b := range detail.Buckets {
		buckets[i] = fleetrpc.NewBucketView(b)
	}

	anomalies := make([]fleetrpc.AnomalyRecordView, len(detail.Detection.Records))
	for i, r := range detail.Detection.Records {
		anomalies[i] = fleetrpc.NewAnomalyRecordView(r)
	}

	done("success")
	return &fleetrpc.GetDeviceResponse{
		Device:     fleetrpc.NewDeviceRowView(detail.Row),
		Buckets:    buckets,
		Anomalies:  anomalies,
		DropMean:   fleet.Round(detail.Detection.Mean, 3),
		DropStdDev: fleet.Round(detail.Detection.StdDev, 3),
	}, nil
}

// FleetSummary returns the fleet-wide report header.
func (s *FleetService) FleetSummary(ctx context.Context, _ *fleetrpc.FleetSummaryRequest) (*fleetrpc.FleetSummaryResponse, error) {
	done := s.track(fleetrpc.MethodFleetSummary)

	sum, err := s.ranker.Summary(ctx)
	if err != nil {
		outcome, st := s.toStatus(fleetrpc.MethodFleetSummary, "fleet summary", err)
		done(outcome)
		return nil, st
	}

	noMovement := make([]string, len(sum.NoMovement))
	for i, key := range sum.NoMovement {
		noMovement[i] = key.String()
	}

	done("success")
	return &fleetrpc.FleetSummaryResponse{
		GeneratedAt:      telemetry.FormatIST(sum.GeneratedAt),
		TotalDevices:     sum.TotalDevices,
		AnomalousDevices: sum.AnomalousDevices,
		AnomalyRecords:   sum.AnomalyRecords,
		AvgSOCDelta:      sum.AvgSOCDelta,
		WorstSOCDelta:    sum.WorstSOCDelta,
		NoMovement:       noMovement,
	}, nil
}

// CycleCounts returns 24h/7d/30d/total cycle estimates per device.
func (s *FleetService) CycleCounts(ctx context.Context, req *fleetrpc.CycleCountsRequest) (*fleetrpc.CycleCountsResponse, error) {
	done := s.track(fleetrpc.MethodCycleCounts)

	if req.Hours < 0 {
		done("invalid")
		return nil, status.Error(codes.InvalidArgument, "hours cannot be negative")
	}

	hours := fleet.ClampLookbackHours(req.Hours)
	counts, err := s.ranker.CycleCounts(ctx, hours)
	if err != nil {
		outcome, st := s.toStatus(fleetrpc.MethodCycleCounts, "cycle counts", err)
		done(outcome)
		return nil, st
	}

	items := make([]fleetrpc.CycleCountView, len(counts))
	for i, c := range counts {
		items[i] = fleetrpc.CycleCountView{
			DeviceKey: c.Key.String(),
			BatteryID: c.BatteryID,
			Last24h:   c.Windows["24h"],
			Last7d:    c.Windows["7d"],
			Last30d:   c.Windows["30d"],
			Total:     c.Total,
		}
	}

	done("success")
	return &fleetrpc.CycleCountsResponse{Hours: hours, Items: items}, nil
}

// ListCycleTally returns every tally entry sorted by battery ID.
func (s *FleetService) ListCycleTally(ctx context.Context, _ *fleetrpc.ListCycleTallyRequest) (*fleetrpc.ListCycleTallyResponse, error) {
	done := s.track(fleetrpc.MethodListCycleTally)

	entries, err := s.tally.List(ctx)
	if err != nil {
		outcome, st := s.toStatus(fleetrpc.MethodListCycleTally, "cycle tally", err)
		done(outcome)
		return nil, st
	}

	items := make([]fleetrpc.TallyEntryView, len(entries))
	for i, e := range entries {
		items[i] = fleetrpc.NewTallyEntryView(e)
	}

	done("success")
	return &fleetrpc.ListCycleTallyResponse{Items: items}, nil
}

// IncrementCycleTally runs one tally pass synchronously.
func (s *FleetService) IncrementCycleTally(ctx context.Context, _ *fleetrpc.IncrementCycleTallyRequest) (*fleetrpc.IncrementCycleTallyResponse, error) {
	done := s.track(fleetrpc.MethodIncrementCycleTally)

	updated, err := s.tally.Process(ctx)
	if err != nil {
		outcome, st := s.toStatus(fleetrpc.MethodIncrementCycleTally, "cycle tally increment", err)
		done(outcome)
		return nil, st
	}

	s.logger.Info("cycle tally incremented on request", "updated", updated)

	done("success")
	return &fleetrpc.IncrementCycleTallyResponse{Updated: updated}, nil
}

// SetCycleTally overwrites the total of one battery.
func (s *FleetService) SetCycleTally(ctx context.Context, req *fleetrpc.SetCycleTallyRequest) (*fleetrpc.SetCycleTallyResponse, error) {
	done := s.track(fleetrpc.MethodSetCycleTally)

	if req.TotalCycles == nil {
		done("invalid")
		return nil, status.Error(codes.InvalidArgument, "total_cycles is required")
	}

	entry, err := s.tally.SetTotal(ctx, req.BatteryID, *req.TotalCycles)
	if err != nil {
		outcome, st := s.toStatus(fleetrpc.MethodSetCycleTally, "cycle tally update", err)
		done(outcome)
		return nil, st
	}

	done("success")
	return &fleetrpc.SetCycleTallyResponse{Entry: fleetrpc.NewTallyEntryView(entry)}, nil
}

// RecoverUnary turns a panicking handler into a codes.Internal response so a
// single bad request cannot take the server down.
func RecoverUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in gRPC handler", "method", info.FullMethod, "panic", r)
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
