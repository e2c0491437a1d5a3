package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"procodus.dev/fleet-dash/internal/gateway"
	"procodus.dev/fleet-dash/pkg/fleetrpc"
	"procodus.dev/fleet-dash/pkg/metrics"
	"procodus.dev/fleet-dash/pkg/telemetry"
)

var gatewayMetrics = metrics.NewGatewayMetrics("gateway_test")

type apiError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

var _ = Describe("Gateway Server", func() {
	var (
		logger *slog.Logger
		client *fakeClient
		srv    *httptest.Server
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		client = &fakeClient{
			rank: &fleetrpc.RankDevicesResponse{
				Items: []fleetrpc.DeviceRowView{
					{DeviceKey: "b-2", HasAnomaly: true, AnomalySeverity: telemetry.SeverityHigh},
					{DeviceKey: "a-1"},
				},
				Pagination: fleetrpc.PaginationView{Page: 1, PageSize: 20, TotalItems: 2, TotalPages: 1, AnomalyCount: 1, NormalCount: 1},
			},
			device: &fleetrpc.GetDeviceResponse{
				Device:    fleetrpc.DeviceRowView{DeviceKey: "b-2"},
				Buckets:   []fleetrpc.BucketView{},
				Anomalies: []fleetrpc.AnomalyRecordView{},
			},
			summary:   &fleetrpc.FleetSummaryResponse{TotalDevices: 2, NoMovement: []string{}},
			cycles:    &fleetrpc.CycleCountsResponse{Hours: 720},
			tally:     &fleetrpc.ListCycleTallyResponse{},
			increment: &fleetrpc.IncrementCycleTallyResponse{Updated: 4},
			set:       &fleetrpc.SetCycleTallyResponse{Entry: fleetrpc.TallyEntryView{BatteryID: "b-2", TotalCycles: 10}},
		}

		server, err := gateway.NewServer(&gateway.ServerConfig{
			Logger:         logger,
			HTTPPort:       8080,
			Client:         client,
			RequestTimeout: time.Second,
			Metrics:        gatewayMetrics,
		})
		Expect(err).NotTo(HaveOccurred())

		handler, err := server.Handler()
		Expect(err).NotTo(HaveOccurred())

		srv = httptest.NewServer(handler)
		DeferCleanup(srv.Close)
	})

	do := func(method, path, body string) *http.Response {
		GinkgoHelper()
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, srv.URL+path, reader)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	decode := func(resp *http.Response, v any) {
		GinkgoHelper()
		Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	Describe("NewServer", func() {
		It("should return error when config is nil", func() {
			server, err := gateway.NewServer(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(server).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			_, err := gateway.NewServer(&gateway.ServerConfig{HTTPPort: 8080, BackendGRPCAddr: "localhost:9090"})
			Expect(err).To(MatchError(ContainSubstring("logger")))
		})

		It("should return error when HTTP port is not positive", func() {
			_, err := gateway.NewServer(&gateway.ServerConfig{Logger: logger, BackendGRPCAddr: "localhost:9090"})
			Expect(err).To(MatchError(ContainSubstring("HTTP port")))
		})

		It("should require a backend address without an injected client", func() {
			_, err := gateway.NewServer(&gateway.ServerConfig{Logger: logger, HTTPPort: 8080})
			Expect(err).To(MatchError(ContainSubstring("backend gRPC address")))
		})

		It("should shut down cleanly twice without running", func() {
			server, err := gateway.NewServer(&gateway.ServerConfig{Logger: logger, HTTPPort: 8080, BackendGRPCAddr: "localhost:9090"})
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Shutdown()).To(Succeed())
			Expect(server.Shutdown()).To(Succeed())
		})

		It("should stop when the context is canceled", func() {
			server, err := gateway.NewServer(&gateway.ServerConfig{Logger: logger, HTTPPort: 18181, Client: client})
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- server.Run(ctx) }()
			Eventually(done, 3*time.Second).Should(Receive(BeNil()))
		})
	})

	Describe("GET /health", func() {
		It("should report ok", func() {
			resp := do(http.MethodGet, "/health", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var body map[string]string
			decode(resp, &body)
			Expect(body).To(HaveKeyWithValue("status", "ok"))
		})
	})

	Describe("request IDs", func() {
		It("should generate one when missing", func() {
			resp := do(http.MethodGet, "/health", "")
			_, err := uuid.Parse(resp.Header.Get(gateway.RequestIDHeader))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should echo a valid incoming ID", func() {
			id := uuid.NewString()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set(gateway.RequestIDHeader, id)

			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get(gateway.RequestIDHeader)).To(Equal(id))
		})

		It("should replace a malformed incoming ID", func() {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set(gateway.RequestIDHeader, "not-a-uuid")

			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get(gateway.RequestIDHeader)).NotTo(Equal("not-a-uuid"))
		})
	})

	Describe("GET /api/v1/devices", func() {
		It("should forward defaults to the backend", func() {
			resp := do(http.MethodGet, "/api/v1/devices", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body fleetrpc.RankDevicesResponse
			decode(resp, &body)
			Expect(body.Items).To(HaveLen(2))
			Expect(body.Items[0].DeviceKey).To(Equal("b-2"))
			Expect(body.Pagination.AnomalyCount).To(Equal(1))

			Expect(client.rankReqs).To(ConsistOf(fleetrpc.RankDevicesRequest{Page: 1, PageSize: 20}))
		})

		It("should forward explicit paging", func() {
			resp := do(http.MethodGet, "/api/v1/devices?page=3&page_size=100", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(client.rankReqs).To(ConsistOf(fleetrpc.RankDevicesRequest{Page: 3, PageSize: 100}))
		})

		It("should render anomaly severity null for normal devices", func() {
			resp := do(http.MethodGet, "/api/v1/devices", "")
			var raw struct {
				Items []map[string]any `json:"items"`
			}
			decode(resp, &raw)
			Expect(raw.Items[0]).To(HaveKeyWithValue("anomaly_severity", "high"))
			Expect(raw.Items[1]).To(HaveKeyWithValue("anomaly_severity", BeNil()))
		})

		DescribeTable("rejects invalid paging before calling the backend",
			func(query, message string) {
				resp := do(http.MethodGet, "/api/v1/devices?"+query, "")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var body apiError
				decode(resp, &body)
				Expect(body.Error).To(Equal(message))
				Expect(body.RequestID).NotTo(BeEmpty())
				Expect(client.Calls()).To(BeZero())
			},
			Entry("zero page", "page=0", "page must be >= 1"),
			Entry("negative page", "page=-2", "page must be >= 1"),
			Entry("text page", "page=two", "page must be an integer"),
			Entry("zero page size", "page_size=0", "page_size must be between 1 and 100"),
			Entry("page size above 100", "page_size=101", "page_size must be between 1 and 100"),
			Entry("fractional page size", "page_size=2.5", "page_size must be an integer"),
		)

		It("should hide internal backend failures", func() {
			client.err = status.Error(codes.Internal, "failed to compute ranking")

			resp := do(http.MethodGet, "/api/v1/devices", "")
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))

			var body apiError
			decode(resp, &body)
			Expect(body.Error).To(Equal("failed to compute ranking"))
		})

		It("should treat plain errors as internal", func() {
			client.err = errors.New("connection refused")

			resp := do(http.MethodGet, "/api/v1/devices", "")
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
		})

		It("should map an unavailable backend to 503", func() {
			client.err = status.Error(codes.Unavailable, "connection refused")

			resp := do(http.MethodGet, "/api/v1/devices", "")
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})

		It("should map a backend deadline to 504", func() {
			client.err = status.Error(codes.DeadlineExceeded, "slow")

			resp := do(http.MethodGet, "/api/v1/devices", "")
			Expect(resp.StatusCode).To(Equal(http.StatusGatewayTimeout))
		})
	})

	Describe("GET /api/v1/devices/{key}", func() {
		It("should return the device detail", func() {
			resp := do(http.MethodGet, "/api/v1/devices/b-2", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body fleetrpc.GetDeviceResponse
			decode(resp, &body)
			Expect(body.Device.DeviceKey).To(Equal("b-2"))
			Expect(client.deviceReqs).To(ConsistOf(fleetrpc.GetDeviceRequest{DeviceKey: "b-2"}))
		})

		It("should map not found to 404", func() {
			client.err = status.Error(codes.NotFound, "device not found in window")

			resp := do(http.MethodGet, "/api/v1/devices/ghost", "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

			var body apiError
			decode(resp, &body)
			Expect(body.Error).To(Equal("device not found in window"))
		})
	})

	Describe("GET /api/v1/summary", func() {
		It("should return the summary", func() {
			resp := do(http.MethodGet, "/api/v1/summary", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body fleetrpc.FleetSummaryResponse
			decode(resp, &body)
			Expect(body.TotalDevices).To(Equal(2))
		})
	})

	Describe("GET /api/v1/cycles", func() {
		It("should default hours to zero and let the backend pick", func() {
			resp := do(http.MethodGet, "/api/v1/cycles", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var raw map[string]any
			decode(resp, &raw)
			Expect(raw).To(HaveKeyWithValue("items", BeEmpty()))
			Expect(raw["items"]).NotTo(BeNil())
			Expect(client.cycleReqs).To(ConsistOf(fleetrpc.CycleCountsRequest{Hours: 0}))
		})

		It("should forward hours", func() {
			do(http.MethodGet, "/api/v1/cycles?hours=48", "")
			Expect(client.cycleReqs).To(ConsistOf(fleetrpc.CycleCountsRequest{Hours: 48}))
		})

		It("should reject negative hours", func() {
			resp := do(http.MethodGet, "/api/v1/cycles?hours=-5", "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(client.Calls()).To(BeZero())
		})
	})

	Describe("cycle tally", func() {
		It("should list an empty tally as an empty array", func() {
			resp := do(http.MethodGet, "/api/v1/cycle-tally", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var raw map[string]any
			decode(resp, &raw)
			Expect(raw["items"]).To(BeEmpty())
			Expect(raw["items"]).NotTo(BeNil())
		})

		It("should run an increment", func() {
			resp := do(http.MethodPost, "/api/v1/cycle-tally/increment", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body fleetrpc.IncrementCycleTallyResponse
			decode(resp, &body)
			Expect(body.Updated).To(Equal(4))
		})

		It("should overwrite a total", func() {
			resp := do(http.MethodPut, "/api/v1/cycle-tally", `{"battery_id":"b-2","total_cycles":10}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body fleetrpc.SetCycleTallyResponse
			decode(resp, &body)
			Expect(body.Entry.TotalCycles).To(Equal(10.0))

			Expect(client.setReqs).To(HaveLen(1))
			Expect(client.setReqs[0].BatteryID).To(Equal("b-2"))
			Expect(*client.setReqs[0].TotalCycles).To(Equal(10.0))
		})

		DescribeTable("rejects malformed overwrites",
			func(body, message string) {
				resp := do(http.MethodPut, "/api/v1/cycle-tally", body)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

				var apiErr apiError
				decode(resp, &apiErr)
				Expect(apiErr.Error).To(Equal(message))
				Expect(client.Calls()).To(BeZero())
			},
			Entry("empty body", "", "request body cannot be empty"),
			Entry("not JSON", "total=5", "invalid JSON body"),
			Entry("unknown field", `{"battery_id":"b","total_cycles":1,"extra":true}`, "invalid JSON body"),
			Entry("missing battery", `{"total_cycles":1}`, "battery_id is required"),
			Entry("missing total", `{"battery_id":"b"}`, "total_cycles is required"),
		)

		It("should pass backend validation errors through as 400", func() {
			client.err = status.Error(codes.InvalidArgument, "invalid cycle tally: total_cycles cannot be negative")

			resp := do(http.MethodPut, "/api/v1/cycle-tally", `{"battery_id":"b-2","total_cycles":-1}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject the wrong method", func() {
			resp := do(http.MethodDelete, "/api/v1/cycle-tally", "")
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Describe("metrics", func() {
		It("should count requests by route pattern", func() {
			counter := gatewayMetrics.HTTPRequestsTotal.WithLabelValues("GET", "GET /api/v1/devices/{key}", "200")
			before := testutil.ToFloat64(counter)

			do(http.MethodGet, "/api/v1/devices/b-2", "")
			do(http.MethodGet, "/api/v1/devices/a-1", "")

			Expect(testutil.ToFloat64(counter) - before).To(Equal(2.0))
		})

		It("should serve the registry", func() {
			do(http.MethodGet, "/health", "")

			resp := do(http.MethodGet, "/metrics", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("gateway_test_http_requests_total"))
		})
	})

	Describe("ClientMetricsInterceptor", func() {
		It("should record the outcome of each call", func() {
			interceptor := gateway.ClientMetricsInterceptor(gatewayMetrics)
			method := fleetrpc.FullMethod(fleetrpc.MethodFleetSummary)

			failing := func(context.Context, string, any, any, *grpc.ClientConn, ...grpc.CallOption) error {
				return status.Error(codes.Unavailable, "down")
			}
			ok := func(context.Context, string, any, any, *grpc.ClientConn, ...grpc.CallOption) error {
				return nil
			}

			Expect(interceptor(context.Background(), method, nil, nil, nil, ok)).To(Succeed())
			Expect(interceptor(context.Background(), method, nil, nil, nil, failing)).To(HaveOccurred())

			Expect(testutil.ToFloat64(gatewayMetrics.GRPCClientCalls.WithLabelValues(method, "success"))).To(Equal(1.0))
			Expect(testutil.ToFloat64(gatewayMetrics.GRPCClientCalls.WithLabelValues(method, "Unavailable"))).To(Equal(1.0))
		})

		It("should pass through without metrics", func() {
			interceptor := gateway.ClientMetricsInterceptor(nil)
			called := false
			invoker := func(context.Context, string, any, any, *grpc.ClientConn, ...grpc.CallOption) error {
				called = true
				return nil
			}
			Expect(interceptor(context.Background(), "/x/y", nil, nil, nil, invoker)).To(Succeed())
			Expect(called).To(BeTrue())
		})
	})
})
