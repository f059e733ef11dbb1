// Package server implements the server loop (spec component C8): bind the
// listener, spawn a task per accepted connection routed to the dispatcher,
// and -- when configured as a replica -- spawn the upstream handshake task.
//
// Grounded on the teacher's internal/server/redis_server.go (atomic
// connection counters, a sync.Map of live connections, log.Printf with a
// bracketed connection ID, graceful Shutdown via a done channel), narrowed
// to this core's single dispatcher and single optional upstream task.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"

	"kvstream/internal/conn"
	"kvstream/internal/dispatch"
	"kvstream/internal/rdb"
	"kvstream/internal/replication"
	"kvstream/internal/store"
)

type Server struct {
	cfg        Config
	store      *store.Store
	info       *replication.Info
	dispatcher *dispatch.Dispatcher

	listener      net.Listener
	wg            sync.WaitGroup
	connIDCounter atomic.Int64
}

func New(cfg Config) *Server {
	s := store.New(nil)

	var info *replication.Info
	if cfg.IsReplica() {
		info = replication.NewReplicaInfo(cfg.UpstreamAddr())
	} else {
		info = replication.NewMasterInfo()
	}

	return &Server{
		cfg:        cfg,
		store:      s,
		info:       info,
		dispatcher: dispatch.New(s, info, cfg.Dir, cfg.DBFilename),
	}
}

// Run implements the startup sequence of spec §4.8: load snapshot from file
// (if configured and present) -> start replica task (if any) -> start
// listener. It accepts connections until ctx is cancelled or the listener
// fails, then waits for every connection handler and the replica task (if
// any) to return before it returns.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Dir != "" && s.cfg.DBFilename != "" {
		path := filepath.Join(s.cfg.Dir, s.cfg.DBFilename)
		n, err := rdb.LoadInto(path, s.store)
		if err != nil {
			log.Printf("[startup] snapshot load failed for %s: %v", path, err)
		} else if n > 0 {
			log.Printf("[startup] loaded %d keys from %s", n, path)
		}
	}

	if s.cfg.IsReplica() {
		s.wg.Add(1)
		go s.runReplicaTask(s.cfg.UpstreamAddr())
	}

	ln, err := net.Listen("tcp", s.cfg.BindAddr())
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.BindAddr(), err)
	}
	s.listener = ln
	log.Printf("[server] listening on %s (role=%s)", s.cfg.BindAddr(), s.info.Role)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.acceptLoop()
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			log.Printf("[server] accept loop exiting: %v", err)
			return
		}
		connID := s.connIDCounter.Add(1)
		s.wg.Add(1)
		go s.handleConnection(connID, nc)
	}
}

func (s *Server) handleConnection(connID int64, nc net.Conn) {
	defer s.wg.Done()
	c := conn.New(nc)

	err := s.dispatcher.Serve(c)
	if errors.Is(err, dispatch.ErrReplicaHandoff) {
		// The connection is now owned by the replication package's writer
		// goroutine (spec §4.5); closing it here would race its first
		// fanned-out write. replication.Info.detach closes it once the
		// replica disconnects or its writer goroutine exits.
		log.Printf("[conn %d] handed off to replication", connID)
		return
	}

	c.Close()
	if err != nil {
		log.Printf("[conn %d] closed: %v", connID, err)
	}
}

// runReplicaTask performs the C7 handshake and then runs the steady-state
// ingest loop for the lifetime of the process. A handshake failure is fatal
// to the replica role per spec §4.7; this core logs and exits the task
// rather than falling back to master behavior, since the role is fixed at
// startup and an unreplicated fallback would silently violate that.
func (s *Server) runReplicaTask(upstream string) {
	defer s.wg.Done()

	c, err := replication.Handshake(upstream, s.cfg.Port, s.store, s.info)
	if err != nil {
		log.Printf("[replica] handshake with %s failed: %v", upstream, err)
		return
	}
	defer c.Close()

	log.Printf("[replica] handshake with %s complete, entering steady state", upstream)
	if err := replication.RunSteadyState(c, s.store, s.info); err != nil {
		log.Printf("[replica] steady-state loop ended: %v", err)
	}
}
