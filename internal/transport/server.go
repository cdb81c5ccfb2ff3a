package transport

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"partstream/source/kafka"
)

// Service is the health service name reporting the consumer run-loop.
const Service = "partstream.consumer"

// Server exposes the standard gRPC health service. It implements
// kafka.Diagnostics so the consumer's state changes flow straight into it.
type Server struct {
	grpc   *grpc.Server
	lis    net.Listener
	health *health.Server
}

func StartServer(port int) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return NewServer(lis), nil
}

// NewServer serves on lis once Serve is called.
func NewServer(lis net.Listener) *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		lis:    lis,
		health: health.NewServer(),
	}
	s.health.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

func (s *Server) Emit(e kafka.Event) {
	if sc, ok := e.(kafka.StateChanged); ok {
		s.SetState(sc.State)
	}
}

// SetState maps the run-loop state onto the health status of Service and
// of the server as a whole.
func (s *Server) SetState(st kafka.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st == kafka.StateRunning {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(Service, status)
	s.health.SetServingStatus("", status)
}

func (s *Server) Addr() net.Addr { return s.lis.Addr() }

func (s *Server) Serve() error {
	return s.grpc.Serve(s.lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
