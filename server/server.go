package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/clarapipe/dicom-adapter/dimse"
	adapterrrors "github.com/clarapipe/dicom-adapter/errors"
	"github.com/clarapipe/dicom-adapter/interfaces"
	"github.com/clarapipe/dicom-adapter/pdu"
)

// Option configures a Server instance.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// WithReadTimeout sets the read timeout for client connections.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.ReadTimeout = timeout
	}
}

// WithWriteTimeout sets the write timeout for client connections.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.WriteTimeout = timeout
	}
}

// WithPolicy installs the association policy consulted for every incoming
// A-ASSOCIATE-RQ (spec §4.C step 2). Typically an *aepolicy.Registry.
func WithPolicy(policy pdu.AssociationPolicy) Option {
	return func(s *Server) {
		s.Policy = policy
	}
}

// WithMaxAssociations bounds the number of concurrent associations the
// server will accept. Connections beyond the bound are rejected at the
// DICOM layer with a transient-congestion reason (spec §4.C/§5) without
// ever touching the policy or staging layers.
func WithMaxAssociations(n int64) Option {
	return func(s *Server) {
		s.MaxAssociations = n
	}
}

// WithAssociationIdleTimeout bounds the gap between any two PDUs on an
// established association (spec §5). Zero, the Server's default, disables
// it; cmd/adapter passes 60s when the config leaves it unset.
func WithAssociationIdleTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.AssociationIdleTimeout = timeout
	}
}

// WithDIMSEIdleTimeout sets pdu.Layer.DIMSEIdleTimeout on every connection
// (spec §5): the read deadline applied after a P-DATA-TF PDU, which only
// bounds reads while the association idle timeout is zero. Zero, the
// Server's default, disables it; cmd/adapter passes 30s when the config
// leaves it unset.
func WithDIMSEIdleTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.DIMSEIdleTimeout = timeout
	}
}

// Server exposes a reusable DICOM listener that wires the DIMSE and PDU layers.
type Server struct {
	AETitle      string
	Handler      interfaces.ServiceHandler
	Logger       *slog.Logger
	ReadTimeout  time.Duration // Read deadline set once when a connection is accepted (zero: none)
	WriteTimeout time.Duration // Write deadline set once when a connection is accepted (zero: none)

	Policy                 pdu.AssociationPolicy
	MaxAssociations        int64 // 0 disables the bound
	AssociationIdleTimeout time.Duration
	DIMSEIdleTimeout       time.Duration

	sem *semaphore.Weighted
}

// New builds a Server with the provided AE title and handler.
func New(aeTitle string, handler interfaces.ServiceHandler, opts ...Option) *Server {
	srv := &Server{AETitle: aeTitle, Handler: handler}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// ListenAndServe listens on the given address and serves until the context is done or an error occurs.
func ListenAndServe(ctx context.Context, address, aeTitle string, handler interfaces.ServiceHandler, opts ...Option) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	defer listener.Close()

	srv := New(aeTitle, handler, opts...)
	return srv.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled or an unrecoverable error occurs.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("dicomserver: listener is required")
	}
	if s == nil {
		return errors.New("dicomserver: server is nil")
	}
	if s.Handler == nil {
		return errors.New("dicomserver: handler is required")
	}
	if s.AETitle == "" {
		return errors.New("dicomserver: AE title is required")
	}

	logger := s.logger()

	if s.MaxAssociations > 0 {
		s.sem = semaphore.NewWeighted(s.MaxAssociations)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	logger.Info("DICOM server listening",
		"address", listener.Addr().String(),
		"ae_title", s.AETitle)

	var (
		wg       sync.WaitGroup
		serveErr error
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn("Accept timeout", "error", err)
				continue
			}
			serveErr = err
			break
		}

		if s.sem != nil && !s.sem.TryAcquire(1) {
			logger.Warn("Rejecting association: max_associations reached", "remote_addr", conn.RemoteAddr())
			_ = rejectTransientCongestion(conn)
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			if s.sem != nil {
				defer s.sem.Release(1)
			}
			s.handleConnection(ctx, c, logger)
		}(conn)
	}

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}

	return ctx.Err()
}

// rejectTransientCongestion sends A-ASSOCIATE-RJ with a transient reason
// before the PDU layer (and therefore the policy and staging layers) ever
// sees the connection, per spec §4.C/§5 and the testable property that
// rejecting at capacity creates no staging directories.
func rejectTransientCongestion(conn net.Conn) error {
	const resultRejectedTransient = 0x02
	pduData := []byte{0x00, resultRejectedTransient, byte(adapterrrors.RejectSourceServiceProvider), byte(adapterrrors.RejectReasonTransientCongestion)}
	pduHeader := []byte{pdu.TypeAssociateRJ, 0x00, 0x00, 0x00, 0x00, byte(len(pduData))}
	_, err := conn.Write(append(pduHeader, pduData...))
	return err
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	logger.Info("Accepted DICOM connection",
		"remote_addr", conn.RemoteAddr())

	// Set timeouts if configured
	if s.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.ReadTimeout)); err != nil {
			logger.Warn("Failed to set read deadline", "error", err)
		}
	}
	if s.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
			logger.Warn("Failed to set write deadline", "error", err)
		}
	}

	adapter := &dimseHandlerAdapter{service: dimse.NewService(s.Handler, logger)}
	layer := pdu.NewLayer(conn, adapter, s.AETitle, logger)
	if s.Policy != nil {
		layer.SetPolicy(s.Policy)
	}
	layer.AssociationIdleTimeout = s.AssociationIdleTimeout
	layer.DIMSEIdleTimeout = s.DIMSEIdleTimeout

	if err := layer.HandleConnection(); err != nil && ctx.Err() == nil {
		logger.Warn("DIMSE connection ended",
			"error", err,
			"remote_addr", conn.RemoteAddr())
	} else {
		logger.Info("DIMSE connection closed",
			"remote_addr", conn.RemoteAddr())
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

type dimseHandlerAdapter struct {
	service *dimse.Service
}

func (a *dimseHandlerAdapter) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, layer *pdu.Layer) error {
	a.service.SetAssociationAETitles(layer.CallingAETitle(), layer.CalledAETitle())
	return a.service.HandleDIMSEMessage(presContextID, msgCtrlHeader, data, layer)
}
