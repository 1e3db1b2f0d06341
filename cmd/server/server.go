// Package server implements the TCP line protocol front end. Clients send a
// login line followed by JSON queries, one per line, and receive one JSON
// response per query.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kindreddb/kindred-server/internal/auth"
	"github.com/kindreddb/kindred-server/internal/config"
	"github.com/kindreddb/kindred-server/internal/models"
	"github.com/kindreddb/kindred-server/internal/queryengine"
	"github.com/kindreddb/kindred-server/internal/spaces"
)

// ConnectionManager caps concurrent client connections with a semaphore and
// tracks the live ones for forced shutdown.
type ConnectionManager struct {
	maxConnections    int32
	activeConnections int32
	semaphore         chan struct{}
	connections       sync.Map
}

func NewConnectionManager(maxConnections int) *ConnectionManager {
	return &ConnectionManager{
		maxConnections: int32(maxConnections),
		semaphore:      make(chan struct{}, maxConnections),
	}
}

// TryAcquire claims a slot for conn, returning false when the server is full.
func (cm *ConnectionManager) TryAcquire(id string, conn net.Conn) bool {
	select {
	case cm.semaphore <- struct{}{}:
		atomic.AddInt32(&cm.activeConnections, 1)
		cm.connections.Store(id, conn)
		return true
	default:
		return false
	}
}

func (cm *ConnectionManager) Release(id string) {
	<-cm.semaphore
	atomic.AddInt32(&cm.activeConnections, -1)
	cm.connections.Delete(id)
}

func (cm *ConnectionManager) Active() int32 {
	return atomic.LoadInt32(&cm.activeConnections)
}

func (cm *ConnectionManager) Max() int32 {
	return cm.maxConnections
}

// CloseAll force-closes every tracked connection.
func (cm *ConnectionManager) CloseAll() {
	cm.connections.Range(func(_, value any) bool {
		if conn, ok := value.(net.Conn); ok {
			conn.Close()
		}
		return true
	})
}

// Server owns the listener and the shared components behind it.
type Server struct {
	cfg          config.Config
	spaceManager *spaces.SpaceManager
	authManager  *auth.AuthManager
	connManager  *ConnectionManager
	engine       *queryengine.QueryEngine
	logger       *zap.Logger

	listener net.Listener
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	authManager, err := auth.NewAuthManager(cfg.AuthFile)
	if err != nil {
		return nil, fmt.Errorf("init auth: %w", err)
	}
	if !authManager.HasUsers() {
		if err := authManager.Bootstrap(cfg.Admin.Username, cfg.Admin.Password); err != nil {
			return nil, fmt.Errorf("bootstrap admin account: %w", err)
		}
		logger.Info("admin account created", zap.String("username", cfg.Admin.Username))
	}

	srv := &Server{
		cfg:          cfg,
		spaceManager: spaces.NewSpaceManager(cfg.DataDir, logger),
		authManager:  authManager,
		connManager:  NewConnectionManager(cfg.MaxConnections),
		logger:       logger,
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	defaults := queryengine.IndexDefaults{
		Planes:        cfg.Index.Planes,
		ScanThreshold: cfg.Index.ScanThreshold,
		Seed:          cfg.Index.Seed,
	}
	srv.engine = queryengine.NewQueryEngine(srv.spaceManager, authManager, defaults, srv.statusSnapshot, logger)
	return srv, nil
}

// Run listens until a shutdown signal or Stop, then closes every space.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr(), err)
	}
	s.listener = listener

	go s.handleShutdownSignals()
	go s.monitorConnections()

	s.logger.Info("server started",
		zap.String("addr", s.cfg.ListenAddr()),
		zap.Int("max_connections", s.cfg.MaxConnections))

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				<-s.done
				return nil
			default:
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		id := uuid.NewString()
		if !s.connManager.TryAcquire(id, conn) {
			s.logger.Warn("connection rejected, server full",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Int32("max", s.connManager.Max()))
			writeResponse(conn, models.Response{
				Status:  "ERROR",
				Message: "server at maximum capacity, try again later",
			})
			conn.Close()
			continue
		}

		go s.serveConnection(id, conn)
	}
}

// Stop initiates a graceful shutdown. Safe to call repeatedly.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.listener.Close()
		s.connManager.CloseAll()
		s.spaceManager.CloseAll()
		s.logger.Info("server stopped")
		close(s.done)
	})
}

func (s *Server) handleShutdownSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		s.Stop()
	case <-s.quit:
	}
}

// monitorConnections logs utilization every 30s, louder above 80%.
func (s *Server) monitorConnections() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			active, max := s.connManager.Active(), s.connManager.Max()
			usage := float64(active) / float64(max) * 100
			if usage > 80 {
				s.logger.Warn("high connection usage",
					zap.Int32("active", active), zap.Int32("max", max),
					zap.Float64("usage_pct", usage))
			} else {
				s.logger.Debug("connection status",
					zap.Int32("active", active), zap.Int32("max", max))
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Server) serveConnection(id string, conn net.Conn) {
	logger := s.logger.With(
		zap.String("conn", id),
		zap.String("remote", conn.RemoteAddr().String()))
	logger.Info("connection opened",
		zap.Int32("active", s.connManager.Active()),
		zap.Int32("max", s.connManager.Max()))

	defer func() {
		conn.Close()
		s.connManager.Release(id)
		logger.Info("connection closed", zap.Int32("active", s.connManager.Active()))
	}()

	reader := bufio.NewReader(conn)

	user, err := s.login(reader, conn)
	if err != nil {
		logger.Warn("login failed", zap.Error(err))
		return
	}
	logger.Info("login", zap.String("username", user.Username), zap.String("role", user.Role))

	for {
		req, err := reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-s.quit:
			default:
				logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		var query models.Query
		if err := json.Unmarshal(req, &query); err != nil {
			writeResponse(conn, models.Response{Status: "ERROR", Message: "invalid query"})
			continue
		}
		query.User = user.Username

		if err := s.authorize(user, query); err != nil {
			writeResponse(conn, models.Response{Status: "ERROR", Message: err.Error()})
			continue
		}

		result, err := s.engine.Execute(query)
		if err != nil {
			writeResponse(conn, models.Response{Status: "ERROR", Message: err.Error()})
			continue
		}

		if msg, ok := result.(string); ok {
			writeResponse(conn, models.Response{Status: "OK", Message: msg})
		} else {
			writeResponse(conn, models.Response{Status: "OK", Result: result})
		}
	}
}

// login reads and verifies the first line of a connection.
func (s *Server) login(reader *bufio.Reader, conn net.Conn) (models.User, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		writeResponse(conn, models.Response{Status: "ERROR", Message: "authentication failed"})
		return models.User{}, err
	}

	var login models.LoginRequest
	if err := json.Unmarshal(line, &login); err != nil {
		writeResponse(conn, models.Response{Status: "ERROR", Message: "invalid login format"})
		return models.User{}, err
	}

	user, err := s.authManager.Authenticate(login.Username, login.Password)
	if err != nil {
		writeResponse(conn, models.Response{Status: "ERROR", Message: err.Error()})
		return models.User{}, err
	}

	user.Password = ""
	writeResponse(conn, models.Response{Status: "OK", Result: user})
	return user, nil
}

// authorize enforces per-operation role checks before dispatch. Admin-only
// operations are additionally verified inside the query engine.
func (s *Server) authorize(user models.User, query models.Query) error {
	switch query.Type {
	case models.TypeCreateSpace, models.TypeDeleteSpace,
		models.TypeCreateUser, models.TypeDeleteUser,
		models.TypeUpdateUserPassword, models.TypeGetUser:
		if user.Role != auth.RoleAdmin {
			return errors.New("admin access required")
		}

	case models.TypeUpsertVector, models.TypeDeleteVector, models.TypeRecordInteraction:
		if !s.authManager.HasRole(user, query.Space, auth.RoleWrite) {
			return errors.New("write permission denied")
		}

	case models.TypeGetVector, models.TypeSearchTopK, models.TypeRecommend:
		if !s.authManager.HasRole(user, query.Space, auth.RoleRead) {
			return errors.New("read permission denied")
		}
	}
	return nil
}

func writeResponse(conn net.Conn, resp models.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"status":"ERROR","message":"marshal response"}`)
	}
	conn.Write(append(data, '\n'))
}
