package fleetrpc_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"procodus.dev/fleet-dash/pkg/fleetrpc"
	"procodus.dev/fleet-dash/pkg/telemetry"
)

type stubServer struct {
	lastRank *fleetrpc.RankDevicesRequest
	lastSet  *fleetrpc.SetCycleTallyRequest
}

func (s *stubServer) RankDevices(_ context.Context, req *fleetrpc.RankDevicesRequest) (*fleetrpc.RankDevicesResponse, error) {
	s.lastRank = req
	if req.Page < 1 {
		return nil, status.Error(codes.InvalidArgument, "page must be >= 1")
	}
	last := "2025-01-01T10:00:00+05:30"
	return &fleetrpc.RankDevicesResponse{
		Items: []fleetrpc.DeviceRowView{{
			DeviceKey:       "dev-1",
			SOCDelta:        -12.5,
			HasAnomaly:      true,
			AnomalySeverity: telemetry.SeverityHigh,
			AnomalyCount:    2,
			LastAnomalyTS:   &last,
		}, {
			DeviceKey: "dev-2",
		}},
		Pagination: fleetrpc.PaginationView{Page: req.Page, PageSize: req.PageSize, TotalItems: 2, TotalPages: 1, AnomalyCount: 1, NormalCount: 1},
	}, nil
}

func (s *stubServer) GetDevice(_ context.Context, req *fleetrpc.GetDeviceRequest) (*fleetrpc.GetDeviceResponse, error) {
	return nil, status.Errorf(codes.NotFound, "device not found: %s", req.DeviceKey)
}

func (s *stubServer) FleetSummary(context.Context, *fleetrpc.FleetSummaryRequest) (*fleetrpc.FleetSummaryResponse, error) {
	return &fleetrpc.FleetSummaryResponse{TotalDevices: 3, NoMovement: []string{}}, nil
}

func (s *stubServer) CycleCounts(_ context.Context, req *fleetrpc.CycleCountsRequest) (*fleetrpc.CycleCountsResponse, error) {
	return &fleetrpc.CycleCountsResponse{Hours: req.Hours, Items: []fleetrpc.CycleCountView{}}, nil
}

func (s *stubServer) ListCycleTally(context.Context, *fleetrpc.ListCycleTallyRequest) (*fleetrpc.ListCycleTallyResponse, error) {
	return &fleetrpc.ListCycleTallyResponse{Items: []fleetrpc.TallyEntryView{{BatteryID: "bat-1", TotalCycles: 4.25}}}, nil
}

func (s *stubServer) IncrementCycleTally(context.Context, *fleetrpc.IncrementCycleTallyRequest) (*fleetrpc.IncrementCycleTallyResponse, error) {
	return &fleetrpc.IncrementCycleTallyResponse{Updated: 7}, nil
}

func (s *stubServer) SetCycleTally(_ context.Context, req *fleetrpc.SetCycleTallyRequest) (*fleetrpc.SetCycleTallyResponse, error) {
	s.lastSet = req
	return &fleetrpc.SetCycleTallyResponse{Entry: fleetrpc.TallyEntryView{BatteryID: req.BatteryID, TotalCycles: *req.TotalCycles}}, nil
}

var _ = Describe("FleetService", func() {
	var (
		server  *grpc.Server
		stub    *stubServer
		conn    *grpc.ClientConn
		client  *fleetrpc.Client
		ctx     context.Context
		cancel  context.CancelFunc
		lis     *bufconn.Listener
		methods []string
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)

		lis = bufconn.Listen(1 << 20)
		stub = &stubServer{}
		methods = nil

		record := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			methods = append(methods, info.FullMethod)
			return handler(ctx, req)
		}

		server = grpc.NewServer(grpc.UnaryInterceptor(record))
		fleetrpc.RegisterFleetServer(server, stub)
		go func() {
			defer GinkgoRecover()
			_ = server.Serve(lis)
		}()

		var err error
		conn, err = grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		Expect(err).NotTo(HaveOccurred())
		client = fleetrpc.NewClient(conn)
	})

	AfterEach(func() {
		_ = conn.Close()
		server.Stop()
		cancel()
	})

	It("should round-trip a ranked page", func() {
		resp, err := client.RankDevices(ctx, &fleetrpc.RankDevicesRequest{Page: 1, PageSize: 20})
		Expect(err).NotTo(HaveOccurred())

		Expect(stub.lastRank).To(Equal(&fleetrpc.RankDevicesRequest{Page: 1, PageSize: 20}))
		Expect(resp.Items).To(HaveLen(2))
		Expect(resp.Items[0].AnomalySeverity).To(Equal(telemetry.SeverityHigh))
		Expect(resp.Items[0].LastAnomalyTS).NotTo(BeNil())
		Expect(*resp.Items[0].LastAnomalyTS).To(Equal("2025-01-01T10:00:00+05:30"))
		Expect(resp.Items[0].SOCDelta).To(Equal(-12.5))
		Expect(resp.Items[1].AnomalySeverity).To(Equal(telemetry.SeverityNone))
		Expect(resp.Items[1].LastAnomalyTS).To(BeNil())
		Expect(resp.Pagination.AnomalyCount).To(Equal(1))
		Expect(resp.Pagination.NormalCount).To(Equal(1))

		Expect(methods).To(ConsistOf("/fleet.v1.FleetService/RankDevices"))
	})

	It("should propagate status codes", func() {
		_, err := client.RankDevices(ctx, &fleetrpc.RankDevicesRequest{Page: 0, PageSize: 20})
		Expect(status.Code(err)).To(Equal(codes.InvalidArgument))

		_, err = client.GetDevice(ctx, &fleetrpc.GetDeviceRequest{DeviceKey: "ghost"})
		Expect(status.Code(err)).To(Equal(codes.NotFound))
		Expect(status.Convert(err).Message()).To(ContainSubstring("ghost"))
	})

	It("should keep empty lists empty", func() {
		resp, err := client.FleetSummary(ctx, &fleetrpc.FleetSummaryRequest{})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.TotalDevices).To(Equal(3))
		Expect(resp.NoMovement).NotTo(BeNil())
		Expect(resp.NoMovement).To(BeEmpty())

		counts, err := client.CycleCounts(ctx, &fleetrpc.CycleCountsRequest{Hours: 48})
		Expect(err).NotTo(HaveOccurred())
		Expect(counts.Hours).To(Equal(48))
		Expect(counts.Items).To(BeEmpty())
	})

	It("should serve the cycle tally methods", func() {
		list, err := client.ListCycleTally(ctx, &fleetrpc.ListCycleTallyRequest{})
		Expect(err).NotTo(HaveOccurred())
		Expect(list.Items).To(ConsistOf(fleetrpc.TallyEntryView{BatteryID: "bat-1", TotalCycles: 4.25}))

		inc, err := client.IncrementCycleTally(ctx, &fleetrpc.IncrementCycleTallyRequest{})
		Expect(err).NotTo(HaveOccurred())
		Expect(inc.Updated).To(Equal(7))

		total := 12.5
		set, err := client.SetCycleTally(ctx, &fleetrpc.SetCycleTallyRequest{BatteryID: "bat-9", TotalCycles: &total})
		Expect(err).NotTo(HaveOccurred())
		Expect(set.Entry.BatteryID).To(Equal("bat-9"))
		Expect(set.Entry.TotalCycles).To(Equal(12.5))
		Expect(*stub.lastSet.TotalCycles).To(Equal(12.5))
	})
})

var _ = Describe("ServiceDesc", func() {
	var contract string

	BeforeEach(func() {
		raw, err := os.ReadFile(filepath.Join("..", "..", "proto", fleetrpc.ServiceDesc.Metadata.(string)))
		Expect(err).NotTo(HaveOccurred())
		contract = string(raw)
	})

	It("should match the package and service of the proto contract", func() {
		pkg := regexp.MustCompile(`(?m)^package ([\w.]+);`).FindStringSubmatch(contract)
		svc := regexp.MustCompile(`(?m)^service (\w+) \{`).FindStringSubmatch(contract)
		Expect(pkg).To(HaveLen(2))
		Expect(svc).To(HaveLen(2))
		Expect(pkg[1] + "." + svc[1]).To(Equal(fleetrpc.ServiceName))
	})

	It("should register exactly the rpcs of the proto contract", func() {
		rpc := regexp.MustCompile(`rpc (\w+)\(google\.protobuf\.Struct\) returns \(google\.protobuf\.Struct\);`)
		var declared []string
		for _, m := range rpc.FindAllStringSubmatch(contract, -1) {
			declared = append(declared, m[1])
		}

		var registered []string
		for _, m := range fleetrpc.ServiceDesc.Methods {
			registered = append(registered, m.MethodName)
		}
		Expect(fleetrpc.ServiceDesc.Streams).To(BeEmpty())
		Expect(registered).To(ConsistOf(declared))
		Expect(declared).To(HaveLen(7))
	})
})
