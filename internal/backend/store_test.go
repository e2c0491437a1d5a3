package backend_test

import (
	"context"
	"io"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"procodus.dev/fleet-dash/internal/backend"
	"procodus.dev/fleet-dash/internal/fleet"
	"procodus.dev/fleet-dash/pkg/telemetry"
)

// unreachableDB opens a handle whose every query fails with a connection error.
func unreachableDB() *gorm.DB {
	db, err := gorm.Open(
		postgres.Open("host=127.0.0.1 port=1 user=test dbname=test sslmode=disable connect_timeout=1"),
		&gorm.Config{
			DisableAutomaticPing: true,
			Logger:               gormlogger.Default.LogMode(gormlogger.Silent),
		},
	)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

var _ = Describe("TelemetryStore", func() {
	var (
		logger *slog.Logger
		ctx    context.Context
		window fleet.Window
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		ctx = context.Background()
		window = fleet.WindowEndingAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), 24*time.Hour)
	})

	Describe("NewTelemetryStore", func() {
		It("should reject a nil config", func() {
			store, err := backend.NewTelemetryStore(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(store).To(BeNil())
		})

		It("should reject a nil logger", func() {
			_, err := backend.NewTelemetryStore(&backend.TelemetryStoreConfig{
				DB:    unreachableDB(),
				Table: backend.DefaultTelemetryTable,
			})
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
		})

		It("should reject a nil database", func() {
			_, err := backend.NewTelemetryStore(&backend.TelemetryStoreConfig{
				Logger: logger,
				Table:  backend.DefaultTelemetryTable,
			})
			Expect(err).To(MatchError(ContainSubstring("database cannot be nil")))
		})

		It("should reject an unsafe table name", func() {
			_, err := backend.NewTelemetryStore(&backend.TelemetryStoreConfig{
				Logger: logger,
				DB:     unreachableDB(),
				Table:  "iot.bms_telemetry; DROP TABLE x",
			})
			Expect(err).To(MatchError(ContainSubstring("invalid table name")))
		})

		It("should keep the configured table", func() {
			store, err := backend.NewTelemetryStore(&backend.TelemetryStoreConfig{
				Logger: logger,
				DB:     unreachableDB(),
				Table:  "public.readings",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Table()).To(Equal("public.readings"))
		})
	})

	Describe("queries", func() {
		var store *backend.TelemetryStore

		BeforeEach(func() {
			var err error
			store, err = backend.NewTelemetryStore(&backend.TelemetryStoreConfig{
				Logger:       logger,
				DB:           unreachableDB(),
				Table:        backend.DefaultTelemetryTable,
				QueryTimeout: 2 * time.Second,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should answer an empty key filter without a query", func() {
			buckets, err := store.AggregatedBuckets(ctx, window, 2*time.Hour, []telemetry.DeviceKey{})
			Expect(err).NotTo(HaveOccurred())
			Expect(buckets).To(BeEmpty())

			readings, err := store.Readings(ctx, window, []telemetry.DeviceKey{})
			Expect(err).NotTo(HaveOccurred())
			Expect(readings).To(BeEmpty())
		})

		It("should reject a non-positive bucket width", func() {
			_, err := store.AggregatedBuckets(ctx, window, 0, nil)
			Expect(err).To(MatchError(ContainSubstring("bucket width must be positive")))
		})

		It("should wrap connection failures per query", func() {
			_, err := store.FirstLast(ctx, window)
			Expect(err).To(MatchError(ContainSubstring("query first/last readings")))

			_, err = store.AggregatedBuckets(ctx, window, 2*time.Hour, nil)
			Expect(err).To(MatchError(ContainSubstring("query aggregated buckets")))

			_, err = store.Readings(ctx, window, []telemetry.DeviceKey{"d-1"})
			Expect(err).To(MatchError(ContainSubstring("query readings")))

			_, err = store.BatteryIDs(ctx)
			Expect(err).To(MatchError(ContainSubstring("query battery ids")))

			_, _, err = store.LatestTimestamp(ctx, "b-1")
			Expect(err).To(MatchError(ContainSubstring("query latest timestamp")))

			_, err = store.BatteryReadings(ctx, "b-1", window.Start, window.End)
			Expect(err).To(MatchError(ContainSubstring("query battery readings")))
		})

		It("should skip an empty insert", func() {
			Expect(store.Insert(ctx, nil)).To(Succeed())
		})
	})
})

var _ = Describe("TallyStore", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	})

	It("should validate its dependencies", func() {
		_, err := backend.NewTallyStore(nil, unreachableDB(), nil)
		Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))

		_, err = backend.NewTallyStore(logger, nil, nil)
		Expect(err).To(MatchError(ContainSubstring("database cannot be nil")))
	})

	It("should wrap connection failures with the battery ID", func() {
		store, err := backend.NewTallyStore(logger, unreachableDB(), nil)
		Expect(err).NotTo(HaveOccurred())

		ctx := context.Background()

		_, _, err = store.GetTally(ctx, "b-7")
		Expect(err).To(MatchError(ContainSubstring("get tally b-7")))

		err = store.SaveTally(ctx, telemetry.CycleTallyEntry{BatteryID: "b-7", TotalCycles: 1.5})
		Expect(err).To(MatchError(ContainSubstring("save tally b-7")))

		_, err = store.ListTallies(ctx)
		Expect(err).To(MatchError(ContainSubstring("list tallies")))
	})
})
