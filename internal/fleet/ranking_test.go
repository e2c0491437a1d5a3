package fleet_test

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/fleet-dash/internal/fleet"
	"procodus.dev/fleet-dash/pkg/telemetry"
)

func row(key string, sev telemetry.Severity) telemetry.DeviceRankingRow {
	r := telemetry.DeviceRankingRow{Key: telemetry.DeviceKey(key), BatteryID: key}
	if sev != telemetry.SeverityNone {
		r.Anomaly = telemetry.AnomalySummary{HasAnomaly: true, Severity: sev, Count: 1}
	}
	return r
}

func keys(rows []telemetry.DeviceRankingRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Key.String()
	}
	return out
}

// fleetRows returns n rows where every third device is anomalous.
func fleetRows(n int) []telemetry.DeviceRankingRow {
	rows := make([]telemetry.DeviceRankingRow, n)
	for i := range rows {
		sev := telemetry.SeverityNone
		switch i % 3 {
		case 0:
			sev = telemetry.SeverityMedium
		case 1:
			if i%2 == 0 {
				sev = telemetry.SeverityHigh
			}
		}
		rows[i] = row(fmt.Sprintf("dev-%03d", i), sev)
	}
	return rows
}

var _ = Describe("Ranking", func() {
	DescribeTable("PageRequest.Validate",
		func(req fleet.PageRequest, expected error) {
			if expected == nil {
				Expect(req.Validate()).To(Succeed())
				return
			}
			Expect(req.Validate()).To(MatchError(expected))
		},
		Entry("defaults", fleet.PageRequest{Page: 1, PageSize: fleet.DefaultPageSize}, nil),
		Entry("largest page", fleet.PageRequest{Page: 3, PageSize: fleet.MaxPageSize}, nil),
		Entry("page zero", fleet.PageRequest{Page: 0, PageSize: 20}, fleet.ErrInvalidPage),
		Entry("negative page", fleet.PageRequest{Page: -1, PageSize: 20}, fleet.ErrInvalidPage),
		Entry("page size zero", fleet.PageRequest{Page: 1, PageSize: 0}, fleet.ErrInvalidPageSize),
		Entry("page size too large", fleet.PageRequest{Page: 1, PageSize: 101}, fleet.ErrInvalidPageSize),
	)

	Describe("Rank", func() {
		It("should put anomalous devices first by severity then key", func() {
			rows := []telemetry.DeviceRankingRow{
				row("c", telemetry.SeverityNone),
				row("z", telemetry.SeverityMedium),
				row("m", telemetry.SeverityHigh),
				row("b", telemetry.SeverityHigh),
				row("a", telemetry.SeverityNone),
			}

			ranked, anomalous, normal := fleet.Rank(rows)

			Expect(keys(ranked)).To(Equal([]string{"b", "m", "z", "a", "c"}))
			Expect(anomalous).To(Equal(3))
			Expect(normal).To(Equal(2))
			Expect(keys(rows)).To(Equal([]string{"c", "z", "m", "b", "a"}))
		})

		It("should rank low severity below medium", func() {
			ranked, _, _ := fleet.Rank([]telemetry.DeviceRankingRow{
				row("a", telemetry.SeverityLow),
				row("b", telemetry.SeverityMedium),
			})
			Expect(keys(ranked)).To(Equal([]string{"b", "a"}))
		})
	})

	Describe("Paginate", func() {
		It("should report metadata for the last partial page", func() {
			page, err := fleet.Paginate(fleetRows(45), fleet.PageRequest{Page: 3, PageSize: 20})
			Expect(err).NotTo(HaveOccurred())

			Expect(page.Items).To(HaveLen(5))
			p := page.Pagination
			Expect(p.Page).To(Equal(3))
			Expect(p.PageSize).To(Equal(20))
			Expect(p.TotalItems).To(Equal(45))
			Expect(p.TotalPages).To(Equal(3))
			Expect(p.HasNext).To(BeFalse())
			Expect(p.HasPrevious).To(BeTrue())
			Expect(p.AnomalyCount + p.NormalCount).To(Equal(45))
		})

		It("should return no items past the end", func() {
			page, err := fleet.Paginate(fleetRows(45), fleet.PageRequest{Page: 4, PageSize: 20})
			Expect(err).NotTo(HaveOccurred())

			Expect(page.Items).To(BeEmpty())
			Expect(page.Pagination.TotalPages).To(Equal(3))
			Expect(page.Pagination.HasNext).To(BeFalse())
			Expect(page.Pagination.HasPrevious).To(BeTrue())
		})

		It("should return an empty page for a page number near the int limit", func() {
			req := fleet.PageRequest{Page: math.MaxInt/100 + 1, PageSize: 100}
			Expect(req.Validate()).To(Succeed())

			var page fleet.RankedPage
			Expect(func() {
				var err error
				page, err = fleet.Paginate(fleetRows(5), req)
				Expect(err).NotTo(HaveOccurred())
			}).NotTo(Panic())

			Expect(page.Items).To(BeEmpty())
			p := page.Pagination
			Expect(p.Page).To(Equal(req.Page))
			Expect(p.TotalItems).To(Equal(5))
			Expect(p.TotalPages).To(Equal(1))
			Expect(p.HasNext).To(BeFalse())
			Expect(p.HasPrevious).To(BeTrue())
			Expect(p.AnomalyCount + p.NormalCount).To(Equal(5))
		})

		It("should not depend on input order", func() {
			rows := fleetRows(37)
			shuffled := slices.Clone(rows)
			rand.New(rand.NewPCG(7, 11)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			Expect(keys(shuffled)).NotTo(Equal(keys(rows)))

			for pageNum := 1; pageNum <= 3; pageNum++ {
				req := fleet.PageRequest{Page: pageNum, PageSize: 15}
				want, err := fleet.Paginate(rows, req)
				Expect(err).NotTo(HaveOccurred())
				first, err := fleet.Paginate(shuffled, req)
				Expect(err).NotTo(HaveOccurred())
				second, err := fleet.Paginate(shuffled, req)
				Expect(err).NotTo(HaveOccurred())

				wantJSON, err := json.Marshal(want)
				Expect(err).NotTo(HaveOccurred())
				Expect(json.Marshal(first)).To(MatchJSON(wantJSON), "page %d", pageNum)
				Expect(second).To(Equal(first), "page %d", pageNum)
			}
		})

		It("should handle an empty fleet", func() {
			page, err := fleet.Paginate(nil, fleet.PageRequest{Page: 1, PageSize: 20})
			Expect(err).NotTo(HaveOccurred())

			Expect(page.Items).To(BeEmpty())
			Expect(page.Pagination.TotalItems).To(BeZero())
			Expect(page.Pagination.TotalPages).To(BeZero())
			Expect(page.Pagination.HasNext).To(BeFalse())
			Expect(page.Pagination.HasPrevious).To(BeFalse())
		})

		It("should reject an invalid request", func() {
			_, err := fleet.Paginate(fleetRows(3), fleet.PageRequest{Page: 0, PageSize: 20})
			Expect(err).To(MatchError(fleet.ErrInvalidPage))
		})

		It("should cover the ranked order exactly once across pages", func() {
			rows := fleetRows(23)
			ranked, _, _ := fleet.Rank(rows)

			for size := 1; size <= 7; size++ {
				var seen []string
				for pageNum := 1; ; pageNum++ {
					page, err := fleet.Paginate(rows, fleet.PageRequest{Page: pageNum, PageSize: size})
					Expect(err).NotTo(HaveOccurred())
					seen = append(seen, keys(page.Items)...)
					if !page.Pagination.HasNext {
						break
					}
				}
				Expect(seen).To(Equal(keys(ranked)), "page size %d", size)
			}
		})
	})
})
