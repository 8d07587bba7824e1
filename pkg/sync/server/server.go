// Package server implements the server side of the sync protocol.
//
// Each client connection is handled by a session, which downstreams the
// user's tree to the client when it connects and whenever another client of
// the same user uploads changes, and accepts uploads from the client while it
// holds the sync lock for the uploaded path.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sidkik/deltasync/pkg/auth"
	"github.com/sidkik/deltasync/pkg/errors"
	"github.com/sidkik/deltasync/pkg/fsys"
	"github.com/sidkik/deltasync/pkg/lock"
	"github.com/sidkik/deltasync/pkg/proto"
	"github.com/sidkik/deltasync/pkg/store"
	"github.com/sidkik/deltasync/pkg/tree"
)

// DefaultMaxVerifyRetries is how many times a downstream is retried after
// the client's tree doesn't match.
const DefaultMaxVerifyRetries = 3

// shutdownTimeout bounds how long the HTTP server waits for requests when
// shutting down.
const shutdownTimeout = 10 * time.Second

// Config configures a Server.
type Config struct {
	GRPCAddress string
	HTTPAddress string

	Options          tree.Options
	MaxVerifyRetries int
	LockTimeout      time.Duration

	// MinClientVersion is a version constraint that clients must satisfy.
	// Any version is accepted if it's empty.
	MinClientVersion string

	// AdminKey guards token issuing over HTTP.
	AdminKey string
}

// FSOpener returns the canonical tree of a user.
type FSOpener func(username string) (*fsys.FS, error)

// Server accepts sync connections.
type Server struct {
	config      Config
	tokens      *auth.TokenTable
	locks       *lock.Coordinator
	broadcaster *Broadcaster
	registry    *registry
	openFS      FSOpener
	constraints version.Constraints
	clock       clockwork.Clock
}

// New creates a server that coordinates with other server processes through
// `st`.
func New(ctx context.Context, config Config, st store.Store, tokens *auth.TokenTable,
	openFS FSOpener, clock clockwork.Clock) (*Server, error) {
	if err := config.Options.Validate(); err != nil {
		return nil, errors.WithContext(err, "sync options")
	}

	srv := &Server{
		config:   config,
		tokens:   tokens,
		registry: newRegistry(),
		openFS:   openFS,
		clock:    clock,
	}

	if config.MinClientVersion != "" {
		constraints, err := version.NewConstraint(config.MinClientVersion)
		if err != nil {
			return nil, errors.WithContext(err, "parse client version constraint")
		}
		srv.constraints = constraints
	}

	var err error
	srv.locks, err = lock.NewCoordinator(ctx, st, clock, config.LockTimeout)
	if err != nil {
		return nil, errors.WithContext(err, "start lock coordinator")
	}

	srv.broadcaster, err = newBroadcaster(ctx, st, srv.registry)
	if err != nil {
		return nil, errors.WithContext(err, "start broadcaster")
	}
	return srv, nil
}

// Run serves sync connections and the HTTP endpoints until the context is
// cancelled.
func (srv *Server) Run(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", srv.config.GRPCAddress)
	if err != nil {
		return errors.WithContext(err, "listen")
	}

	httpLis, err := net.Listen("tcp", srv.config.HTTPAddress)
	if err != nil {
		grpcLis.Close()
		return errors.WithContext(err, "listen")
	}
	return srv.Serve(ctx, grpcLis, httpLis)
}

// Serve is Run with listeners that were already opened. The HTTP endpoints
// aren't served if `httpLis` is nil.
func (srv *Server) Serve(ctx context.Context, grpcLis, httpLis net.Listener) error {
	grpcServer := grpc.NewServer()
	proto.RegisterSyncServer(grpcServer, srv)
	httpServer := &http.Server{Handler: srv.Router()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return errors.WithContext(srv.locks.Run(ctx), "lock coordinator")
	})

	g.Go(func() error {
		return errors.WithContext(srv.broadcaster.Run(ctx), "broadcaster")
	})

	g.Go(func() error {
		// Stopped before it started serving if the context was cancelled
		// right away.
		if err := grpcServer.Serve(grpcLis); err != nil && err != grpc.ErrServerStopped {
			return errors.WithContext(err, "serve")
		}
		return nil
	})

	if httpLis != nil {
		g.Go(func() error {
			if err := httpServer.Serve(httpLis); err != nil && err != http.ErrServerClosed {
				return errors.WithContext(err, "serve http")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down..")

		// Sessions in the middle of a patch finish it first.
		srv.registry.CloseAll()
		grpcServer.GracefulStop()
		if httpLis == nil {
			return nil
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger := log.WithField("grpc", grpcLis.Addr().String())
	if httpLis != nil {
		logger = logger.WithField("http", httpLis.Addr().String())
	}
	logger.Info("deltasync server is ready")
	return g.Wait()
}

// Connect handles a sync connection. The first message must authorize the
// client.
func (srv *Server) Connect(conn proto.Conn) error {
	s, err := srv.authorize(conn)
	if err != nil {
		log.WithError(err).Info("Rejected connection")
		return err
	}

	srv.registry.Add(s)
	s.log.Info("Client connected")
	if err := s.run(); err != nil {
		s.log.WithError(err).Warn("Session failed")
		return status.Error(codes.Internal, err.Error())
	}
	s.log.Info("Client disconnected")
	return nil
}

func (srv *Server) authorize(conn proto.Conn) (*session, error) {
	msg, err := conn.Recv()
	if err != nil {
		return nil, errors.WithContext(err, "receive authorization")
	}

	if !msg.Is(proto.Request, proto.NameAuthz) {
		return nil, status.Errorf(codes.InvalidArgument,
			"expected an authorization request, got %s", msg)
	}

	username, err := srv.tokens.ResolveToken(msg.Content.Token)
	switch {
	case errors.Is(err, auth.ErrMalformedToken):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case err != nil:
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	if err := srv.checkClientVersion(msg.Content.Version); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}

	fs, err := srv.openFS(username)
	if err != nil {
		log.WithError(err).WithField("user", username).Error("Failed to open tree")
		return nil, status.Error(codes.Internal, "failed to open tree")
	}

	s := newSession(srv, conn, uuid.New().String(), username, fs)
	resp := proto.NewResponse(proto.NameAuthz, proto.Content{Username: username})
	if err := conn.Send(resp); err != nil {
		return nil, errors.WithContext(err, "send authorization")
	}
	return s, nil
}

func (srv *Server) checkClientVersion(clientVersion string) error {
	if srv.constraints == nil {
		return nil
	}

	parsed, err := version.NewVersion(clientVersion)
	if err != nil {
		return errors.Errorf("unparsable client version %q", clientVersion)
	}

	if !srv.constraints.Check(parsed) {
		return errors.Errorf("client version %s doesn't satisfy %q. "+
			"Please upgrade deltasync.", parsed, srv.constraints)
	}
	return nil
}

// OsFSOpener returns an FSOpener that keeps the tree of each user in a
// directory under `dataRoot`.
func OsFSOpener(dataRoot string) FSOpener {
	return func(username string) (*fsys.FS, error) {
		if username == "" || username == "." || username == ".." ||
			strings.ContainsAny(username, `/\`) {
			return nil, errors.Errorf("invalid username %q", username)
		}

		root := filepath.Join(dataRoot, username)
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, errors.WithContext(err, "create user directory")
		}
		return fsys.NewOsFS(root)
	}
}

// truncateSlice truncates the given slice of strings to the given length. If
// the slice is longer than `length`, a message is appended saying how many
// more items are in the slice.
func truncateSlice(slc []string, length int) (truncated []string) {
	if len(slc) <= length {
		return slc
	}
	msg := fmt.Sprintf("... %d more ...", len(slc)-length)
	return append(slc[:length:length], msg)
}
