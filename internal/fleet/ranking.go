package fleet

import (
	"cmp"
	"errors"
	"slices"

	"procodus.dev/fleet-dash/pkg/telemetry"
)

// Page size bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var (
	// ErrInvalidPage is returned when page is below 1.
	ErrInvalidPage = errors.New("page must be >= 1")
	// ErrInvalidPageSize is returned when page_size is outside [1, 100].
	ErrInvalidPageSize = errors.New("page_size must be between 1 and 100")
)

// PageRequest selects one page of the ranked order.
type PageRequest struct {
	Page     int
	PageSize int
}

// Validate rejects out-of-range page parameters.
func (r PageRequest) Validate() error {
	if r.Page < 1 {
		return ErrInvalidPage
	}
	if r.PageSize < 1 || r.PageSize > MaxPageSize {
		return ErrInvalidPageSize
	}
	return nil
}

// Pagination is the metadata returned with every page.
type Pagination struct {
	Page         int
	PageSize     int
	TotalItems   int
	TotalPages   int
	HasNext      bool
	HasPrevious  bool
	AnomalyCount int
	NormalCount  int
}

// RankedPage is one slice of the ranked order plus its metadata.
type RankedPage struct {
	Items      []telemetry.DeviceRankingRow
	Pagination Pagination
}

// compareAnomalous orders by severity descending, then key ascending.
func compareAnomalous(a, b telemetry.DeviceRankingRow) int {
	if c := cmp.Compare(b.Anomaly.Severity.Rank(), a.Anomaly.Severity.Rank()); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}

func compareKey(a, b telemetry.DeviceRankingRow) int {
	return cmp.Compare(a.Key, b.Key)
}

// Rank returns the full ranked order: anomalous devices first (severity
// descending, key ascending), then normal devices by key. It also reports the
// size of each partition. The input slice is not modified.
func Rank(rows []telemetry.DeviceRankingRow) (ranked []telemetry.DeviceRankingRow, anomalous, normal int) {
	var anom, norm []telemetry.DeviceRankingRow
	for _, r := range rows {
		if r.Anomaly.HasAnomaly {
			anom = append(anom, r)
		} else {
			norm = append(norm, r)
		}
	}
	slices.SortStableFunc(anom, compareAnomalous)
	slices.SortStableFunc(norm, compareKey)

	ranked = make([]telemetry.DeviceRankingRow, 0, len(rows))
	ranked = append(ranked, anom...)
	ranked = append(ranked, norm...)
	return ranked, len(anom), len(norm)
}

// Paginate ranks rows and slices out the requested page. A page past the end
// yields no items but valid metadata.
func Paginate(rows []telemetry.DeviceRankingRow, req PageRequest) (RankedPage, error) {
	if err := req.Validate(); err != nil {
		return RankedPage{}, err
	}

	ranked, anomalous, normal := Rank(rows)
	total := len(ranked)
	totalPages := (total + req.PageSize - 1) / req.PageSize

	// Compare before multiplying: page*size overflows int for huge pages.
	start, end := total, total
	if req.Page-1 < totalPages {
		start = (req.Page - 1) * req.PageSize
		end = min(start+req.PageSize, total)
	}

	return RankedPage{
		Items: ranked[start:end:end],
		Pagination: Pagination{
			Page:         req.Page,
			PageSize:     req.PageSize,
			TotalItems:   total,
			TotalPages:   totalPages,
			HasNext:      req.Page < totalPages,
			HasPrevious:  req.Page > 1,
			AnomalyCount: anomalous,
			NormalCount:  normal,
		},
	}, nil
}
