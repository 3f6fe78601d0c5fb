// Package app wires every component described in SPEC_FULL.md's package
// layout into one running server, grounded on the teacher's
// internal/daemon/daemon.go: open the durable stores, construct every
// subsystem, start one goroutine per background worker, and select over a
// shutdown signal and each worker's error channel.
package app

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyberspaced/cyberspaced/internal/auxdb"
	"github.com/cyberspaced/cyberspaced/internal/backup"
	"github.com/cyberspaced/cyberspaced/internal/chunkbaker"
	"github.com/cyberspaced/cyberspaced/internal/config"
	"github.com/cyberspaced/cyberspaced/internal/dash"
	"github.com/cyberspaced/cyberspaced/internal/dispatch"
	"github.com/cyberspaced/cyberspaced/internal/dyntex"
	"github.com/cyberspaced/cyberspaced/internal/lod"
	"github.com/cyberspaced/cyberspaced/internal/netsrv"
	"github.com/cyberspaced/cyberspaced/internal/npc"
	"github.com/cyberspaced/cyberspaced/internal/photo"
	"github.com/cyberspaced/cyberspaced/internal/recordstore"
	"github.com/cyberspaced/cyberspaced/internal/resources"
	"github.com/cyberspaced/cyberspaced/internal/voiceudp"
	"github.com/cyberspaced/cyberspaced/internal/worldmaint"
	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

// snapshotInterval is how often dirty entities are flushed to the record
// store, per spec §2's periodic snapshotter.
const snapshotInterval = 2 * time.Second

// Server owns every long-lived component of one cyberspaced process.
type Server struct {
	cfg      *config.Config
	stateDir string

	records *recordstore.Store
	state   *worldstate.State

	resources *resources.Registry
	broadcast *netsrv.Registry
	dispatch  *dispatch.Dispatcher
	netsrv    *netsrv.Server

	lod        *lod.Pipeline
	chunkbaker *chunkbaker.Baker
	dyntex     *dyntex.Poller
	npc        *npc.Manager
	photo      *photo.Intake
	sweeper    *worldmaint.Sweeper
	backup     *backup.Runner
	voice      *voiceudp.Server
	dashHub    *dash.Hub
	dashSecret []byte
	dashTTL    time.Duration
	aux        *auxdb.DB

	snap *snapshotter
}

// IssueDashToken mints an admin bearer token for the diagnostic websocket
// feed, consumed by cmd/cyberspaced's "dash-token" subcommand rather than
// exposed over the network, since the feed itself has no login flow.
func (s *Server) IssueDashToken() (string, error) {
	return dash.IssueToken(s.dashSecret, s.dashTTL)
}

// resourceSource adapts resources.Registry to dispatch.ResourceSource by
// adding the file read dispatch's ResourceRequest handler needs, per spec
// §4.F's ResourceRequest row.
type resourceSource struct {
	reg *resources.Registry
	dir string
}

func (s resourceSource) IsPresent(url string) bool { return s.reg.IsPresent(url) }

func (s resourceSource) ReadResource(url string) ([]byte, error) {
	res := s.reg.GetOrCreate(url)
	if res.State != resources.Present {
		return nil, fmt.Errorf("resource not present: %s", url)
	}
	return os.ReadFile(filepath.Join(s.dir, res.LocalPath))
}

// New opens every durable store under stateDir and constructs the fully
// wired Server; nothing starts running until Run is called.
func New(cfg *config.Config, stateDir string) (*Server, error) {
	if err := config.EnsureStateDirs(stateDir); err != nil {
		return nil, fmt.Errorf("app: ensure state dirs: %w", err)
	}

	rs, err := recordstore.Open(config.RecordsPath(stateDir))
	if err != nil {
		return nil, fmt.Errorf("app: open records: %w", err)
	}

	state, err := loadState(rs)
	if err != nil {
		rs.Close()
		return nil, fmt.Errorf("app: load state: %w", err)
	}

	reg := resources.NewRegistry(config.ResourcesDir(stateDir))
	broadcast := netsrv.NewRegistry()
	src := resourceSource{reg: reg, dir: config.ResourcesDir(stateDir)}
	disp := dispatch.NewDispatcher(state, broadcast, src)
	disp.ReadOnly = cfg.ReadOnly
	disp.Auth = state

	adminSet := make(map[string]struct{}, len(cfg.AdminUsernames))
	for _, name := range cfg.AdminUsernames {
		adminSet[name] = struct{}{}
	}
	// IsAdmin/IsGardener are called with state's lock already held by the
	// dispatcher's mutating handlers, so they look the user up directly
	// rather than through state.Lock/Unlock.
	disp.IsAdmin = func(avatarUID uint64) bool {
		userID, ok := disp.UserIDFor(avatarUID)
		if !ok {
			return false
		}
		u, ok := state.UserByID(userID)
		if !ok {
			return false
		}
		_, admin := adminSet[u.Name]
		return admin
	}
	disp.IsGardener = func(avatarUID uint64) bool {
		userID, ok := disp.UserIDFor(avatarUID)
		if !ok {
			return false
		}
		u, ok := state.UserByID(userID)
		return ok && u.WorldGardener
	}

	lodPipeline := lod.New(reg, stateDir, lod.WireMeshCodec{}, lod.ImagingCodec{})
	disp.OnGeometryChanged = lodPipeline.Enqueue

	baker := chunkbaker.New(reg, lod.WireMeshCodec{}, lod.ImagingCodec{}, stateDir)
	texPoller := dyntex.New(reg, lodPipeline, stateDir)

	nameOf := func(uid uint64) string {
		state.Lock()
		defer state.Unlock()
		if u, ok := state.UsersMap()[uid]; ok {
			return u.Name
		}
		return ""
	}
	npcMgr := npc.NewManager(npc.Config{
		Endpoint:     cfg.NPC.Endpoint,
		APIKey:       cfg.NPC.APIKey,
		Model:        cfg.NPC.Model,
		SystemPrompt: cfg.NPC.SystemPrompt,
	}, disp.NPCBroadcast(worldstate.RootWorldName, nameOf), disp.NPCGesture(worldstate.RootWorldName), nameOf)
	disp.OnChatHeard = func(worldName string, senderUID uint64, text string) {
		for _, uid := range npcAvatarsInWorld(state, worldName) {
			npcMgr.HeardChat(uid, senderUID, text)
		}
	}

	photoIntake := photo.NewIntake(config.PhotosDir(stateDir))
	sweeper := worldmaint.New(state)

	backupInterval, err := time.ParseDuration(cfg.Backup.Interval)
	if err != nil || backupInterval <= 0 {
		backupInterval = backup.DefaultInterval
	}
	keep := cfg.Backup.Keep
	if keep <= 0 {
		keep = backup.DefaultKeep
	}
	backupDir := cfg.Backup.Dir
	if !filepath.IsAbs(backupDir) {
		backupDir = filepath.Join(stateDir, backupDir)
	}
	backupRunner := backup.New(backup.Config{
		Enabled:      cfg.Backup.Enabled,
		RecordsPath:  config.RecordsPath(stateDir),
		ResourcesDir: config.ResourcesDir(stateDir),
		BackupDir:    backupDir,
		Interval:     backupInterval,
		KeepCount:    keep,
	})

	voiceServer, err := voiceudp.NewServer(cfg.UDPAddr, broadcast, broadcast.WorldOf)
	if err != nil {
		rs.Close()
		return nil, fmt.Errorf("app: bind voice udp: %w", err)
	}

	tokenTTL, err := time.ParseDuration(cfg.Dash.TokenTTL)
	if err != nil || tokenTTL <= 0 {
		tokenTTL = 15 * time.Minute
	}
	secret := dashSecret(stateDir)
	dashHub := dash.NewHub(secret)

	aux, err := auxdb.Open(config.AuxDBPath(stateDir))
	if err != nil {
		rs.Close()
		voiceServer.Close()
		return nil, fmt.Errorf("app: open auxdb: %w", err)
	}

	tlsConfig, err := loadOrGenerateTLS(cfg)
	if err != nil {
		rs.Close()
		voiceServer.Close()
		aux.Close()
		return nil, fmt.Errorf("app: tls config: %w", err)
	}

	srv := &Server{
		cfg:        cfg,
		stateDir:   stateDir,
		records:    rs,
		state:      state,
		resources:  reg,
		broadcast:  broadcast,
		dispatch:   disp,
		lod:        lodPipeline,
		chunkbaker: baker,
		dyntex:     texPoller,
		npc:        npcMgr,
		photo:      photoIntake,
		sweeper:    sweeper,
		backup:     backupRunner,
		voice:      voiceServer,
		dashHub:    dashHub,
		dashSecret: secret,
		dashTTL:    tokenTTL,
		aux:        aux,
		snap:       newSnapshotter(state, rs, snapshotInterval),
	}
	srv.snap.dash = dashHub
	srv.netsrv = &netsrv.Server{
		TLSConfig: tlsConfig,
		State:     state,
		Registry:  broadcast,
		Handler:   srv.handleConn,
		Logger:    log.Default(),
	}
	return srv, nil
}

// npcAvatarsInWorld returns the UID of every live avatar in a world, NPC or
// not: NPCs are tracked by the npc.Manager itself, not by a worldstate flag,
// and Manager.HeardChat ignores UIDs that were never registered as NPCs.
// Caller must not hold state's lock.
func npcAvatarsInWorld(state *worldstate.State, worldName string) []uint64 {
	state.Lock()
	defer state.Unlock()
	w := state.GetWorld(worldName)
	var uids []uint64
	for uid, a := range w.Avatars {
		if a.Dead {
			continue
		}
		uids = append(uids, uid)
	}
	return uids
}

// handleConn is the per-connection message loop handed to netsrv.Server,
// grounded on spec §5's "one task per accepted connection (reader +
// writer, cooperatively multiplexed)".
func (s *Server) handleConn(c *netsrv.Conn) {
	switch c.ConnType {
	case netsrv.ConnTypeResourceUpload:
		s.handleResourceUploadConn(c)
		return
	case netsrv.ConnTypePhotoUpload:
		s.handlePhotoUploadConn(c)
		return
	}

	for {
		f, err := c.ReadFrame()
		if err != nil {
			return
		}
		if err := s.dispatch.Dispatch(c, f); err != nil {
			log.Printf("app: dispatch error from avatar %d: %v", c.AvatarUID, err)
			return
		}
	}
}

// Run starts every background worker and the two network listeners, and
// blocks until ctx is cancelled or a fatal error occurs on any of them,
// per the teacher's daemon.Run select-on-signal-or-error shape.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 8)

	go func() { errCh <- s.netsrv.ListenAndServe(s.cfg.ListenAddr) }()
	go func() {
		if err := s.voice.Serve(); err != nil {
			errCh <- fmt.Errorf("voiceudp: %w", err)
		}
	}()
	go func() {
		dashAddr := s.cfg.Dash.Addr
		if dashAddr == "" {
			return
		}
		mux := http.NewServeMux()
		mux.Handle("/", s.dashHub)
		mux.HandleFunc("/worlds", s.serveWorldSummaries)
		if err := http.ListenAndServe(dashAddr, mux); err != nil {
			errCh <- fmt.Errorf("dash: %w", err)
		}
	}()

	go s.lod.Run(runCtx, s.state)
	go s.chunkbaker.Run(runCtx, s.state)
	go s.dyntex.Run(runCtx, s.state)
	go s.sweeper.Run(runCtx)
	go s.dashHub.Run(runCtx)
	go s.snap.Run(runCtx.Done())
	go s.auxdbLoop(runCtx)
	go s.backup.Run(runCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	log.Printf("cyberspaced listening on %s (udp %s, dash %s)", s.cfg.ListenAddr, s.cfg.UDPAddr, s.cfg.Dash.Addr)

	select {
	case <-ctx.Done():
		log.Printf("context cancelled, shutting down")
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			cancel()
			s.shutdown()
			return fmt.Errorf("app: %w", err)
		}
	}

	cancel()
	s.shutdown()
	return nil
}

// shutdown flushes every durable store one final time, matching §5's
// "tasks drain their inbox, flush dirty sets, and exit".
func (s *Server) shutdown() {
	s.snap.flushOnce()
	if err := s.records.Close(); err != nil {
		log.Printf("app: close records: %v", err)
	}
	if err := s.aux.Close(); err != nil {
		log.Printf("app: close auxdb: %v", err)
	}
	if err := s.voice.Close(); err != nil {
		log.Printf("app: close voice udp: %v", err)
	}
}

// serveWorldSummaries is the "/worlds" diagnostic endpoint
// dash.Summarize/MarshalSummaries were built for, a plain JSON sibling of
// the websocket event feed for quick curl-based inspection.
func (s *Server) serveWorldSummaries(w http.ResponseWriter, r *http.Request) {
	body, err := dash.MarshalSummaries(dash.Summarize(s.state))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// auxdbLoop periodically rebuilds the non-authoritative admin index,
// independent of the records snapshotter's cadence since it is a cheap
// full rebuild rather than an incremental dirty-set flush.
func (s *Server) auxdbLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.aux.Rebuild(s.state); err != nil {
				log.Printf("app: auxdb rebuild: %v", err)
			}
		}
	}
}

// loadOrGenerateTLS loads cfg's configured cert/key pair, or mints an
// ephemeral self-signed certificate for local/dev use if none is
// configured, following the same ECDSA-P256 shape
// internal/netsrv/listener_test.go uses for its in-process TLS fixture.
func loadOrGenerateTLS(cfg *config.Config) (*tls.Config, error) {
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	log.Printf("app: no tls_cert_file/tls_key_file configured, using an ephemeral self-signed certificate")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "cyberspaced"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		DNSNames:     []string{"localhost"},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// dashSecret loads (or creates) the HMAC secret the diagnostic websocket
// feed signs admin tokens with, persisted alongside the other credential
// bootstrap material under stateDir.
func dashSecret(stateDir string) []byte {
	path := config.CredentialsPath(stateDir)
	if data, err := os.ReadFile(path); err == nil && len(data) >= 32 {
		return data
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.Printf("app: generating dash secret: %v", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		log.Printf("app: persist dash secret: %v", err)
	}
	return secret
}
