package worldstate

import (
	"sync"
)

// State is the process-wide, single-mutex-guarded aggregate described in
// spec §4.D. Every mutating operation on any World or auxiliary entity
// takes State's lock; callers hold it only for the duration of one
// mutation and release before any blocking I/O.
type State struct {
	mu sync.Mutex

	worlds       map[string]*World
	dirtyWorlds  map[string]struct{}

	users              map[uint64]*User
	orders             map[uint64]*Order
	sessions           map[string]*Session
	auctions           map[uint64]*Auction
	screenshots        map[uint64]*Screenshot
	transactions       map[uint64]*SubEthTransaction
	photos             map[uint64]*Photo
	events             map[uint64]*Event
	newsPosts          map[uint64]*NewsPost
	objectStorageItems map[uint64]*ObjectStorageItem
	userSecrets        map[uint64]*UserSecret
	mapTiles           map[uint64]*MapTileInfo
	ethInfo            map[uint64]*EthInfo

	dirtyUsers       map[uint64]struct{}
	dirtyOrders      map[uint64]struct{}
	dirtySessions    map[string]struct{}
	dirtyAuctions    map[uint64]struct{}
	dirtyScreenshots map[uint64]struct{}
	dirtyTxns        map[uint64]struct{}
	dirtyPhotos      map[uint64]struct{}
	dirtyEvents      map[uint64]struct{}
	dirtyNewsPosts   map[uint64]struct{}

	nextObjectUID      uint64
	nextAvatarUID      uint64
	nextOrderID        uint64
	nextTransactionID  uint64
	nextScreenshotID   uint64
	nextUserID         uint64
	nextParcelID       uint64
	nextPhotoID        uint64
	nextEventID        uint64
	nextNewsPostID     uint64

	// credentials is the process-wide AI API key / SMTP credential map
	// from spec §4.D, persisted under ServerCredentials.creds (§6.4).
	credentials map[string]string

	// dbRecordsToDelete holds record-store keys whose in-memory entity was
	// removed but whose disk record must still be reclaimed at next flush.
	dbRecordsToDelete map[uint64]struct{}

	migrationVersion int
}

// New creates an empty State with the root world already present, per
// spec §3 ("a root world always exists").
func New() *State {
	s := &State{
		worlds:             map[string]*World{RootWorldName: NewWorld(RootWorldName)},
		dirtyWorlds:        map[string]struct{}{RootWorldName: {}},
		users:              make(map[uint64]*User),
		orders:             make(map[uint64]*Order),
		sessions:           make(map[string]*Session),
		auctions:           make(map[uint64]*Auction),
		screenshots:        make(map[uint64]*Screenshot),
		transactions:       make(map[uint64]*SubEthTransaction),
		photos:             make(map[uint64]*Photo),
		events:             make(map[uint64]*Event),
		newsPosts:          make(map[uint64]*NewsPost),
		objectStorageItems: make(map[uint64]*ObjectStorageItem),
		userSecrets:        make(map[uint64]*UserSecret),
		mapTiles:           make(map[uint64]*MapTileInfo),
		ethInfo:            make(map[uint64]*EthInfo),
		dirtyUsers:         make(map[uint64]struct{}),
		dirtyOrders:        make(map[uint64]struct{}),
		dirtySessions:      make(map[string]struct{}),
		dirtyAuctions:      make(map[uint64]struct{}),
		dirtyScreenshots:   make(map[uint64]struct{}),
		dirtyTxns:          make(map[uint64]struct{}),
		dirtyPhotos:        make(map[uint64]struct{}),
		dirtyEvents:        make(map[uint64]struct{}),
		dirtyNewsPosts:     make(map[uint64]struct{}),
		credentials:        make(map[string]string),
		dbRecordsToDelete:  make(map[uint64]struct{}),
	}
	return s
}

// Lock and Unlock expose the process-wide world mutex directly so callers
// (the dispatcher, background workers) can group several reads/mutations
// into one critical section, per spec §2's control-flow description.
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

// GetWorld returns the named world, creating it (and marking it dirty for
// the next flush) if absent. Caller must hold the lock.
func (s *State) GetWorld(name string) *World {
	if w, ok := s.worlds[name]; ok {
		return w
	}
	w := NewWorld(name)
	s.worlds[name] = w
	s.dirtyWorlds[name] = struct{}{}
	return w
}

// DrainDirtyWorlds returns and clears the set of world names whose
// metadata record (name plus WorldSettings) needs a flush. Caller must
// hold the lock.
func (s *State) DrainDirtyWorlds() []string {
	names := make([]string, 0, len(s.dirtyWorlds))
	for name := range s.dirtyWorlds {
		names = append(names, name)
	}
	s.dirtyWorlds = make(map[string]struct{})
	return names
}

// Worlds returns every world name currently loaded. Caller must hold the
// lock.
func (s *State) Worlds() []string {
	names := make([]string, 0, len(s.worlds))
	for name := range s.worlds {
		names = append(names, name)
	}
	return names
}

// WorldsMap returns the live name -> World map for iteration by background
// workers (e.g. internal/worldmaint's sweep). Caller must hold the lock.
func (s *State) WorldsMap() map[string]*World { return s.worlds }

// DeleteWorld removes a named world entirely, used by the maintenance
// sweep to prune empty personal worlds. Caller must hold the lock.
func (s *State) DeleteWorld(name string) {
	delete(s.worlds, name)
	delete(s.dirtyWorlds, name)
}

// AllocObjectUID returns the next object UID and advances the counter.
// Caller must hold the lock.
func (s *State) AllocObjectUID() uint64 {
	uid := s.nextObjectUID
	s.nextObjectUID++
	return uid
}

// AllocAvatarUID returns the next avatar UID and advances the counter.
func (s *State) AllocAvatarUID() uint64 {
	uid := s.nextAvatarUID
	s.nextAvatarUID++
	return uid
}

// AllocOrderID, AllocTransactionID, AllocScreenshotID mirror AllocObjectUID
// for their respective counters (spec §4.D: "monotonic counters for object
// UIDs, avatar UIDs, order IDs, transaction IDs, screenshot IDs").
func (s *State) AllocOrderID() uint64 {
	id := s.nextOrderID
	s.nextOrderID++
	return id
}

func (s *State) AllocTransactionID() uint64 {
	id := s.nextTransactionID
	s.nextTransactionID++
	return id
}

func (s *State) AllocScreenshotID() uint64 {
	id := s.nextScreenshotID
	s.nextScreenshotID++
	return id
}

func (s *State) AllocUserID() uint64 {
	id := s.nextUserID
	s.nextUserID++
	return id
}

func (s *State) AllocParcelID() uint64 {
	id := s.nextParcelID
	s.nextParcelID++
	return id
}

func (s *State) AllocPhotoID() uint64 {
	id := s.nextPhotoID
	s.nextPhotoID++
	return id
}

// BumpUIDCounterIfHigher re-initialises a counter on load as
// max(seen_uid)+1, per invariant 6 ("UID counters are monotonically
// non-decreasing across restarts").
func (s *State) BumpUIDCounterIfHigher(counter *uint64, seen uint64) {
	if seen+1 > *counter {
		*counter = seen + 1
	}
}

// ObjectUIDCounter, AvatarUIDCounter expose the raw counter pointers for
// BumpUIDCounterIfHigher during load.
func (s *State) ObjectUIDCounter() *uint64 { return &s.nextObjectUID }
func (s *State) AvatarUIDCounter() *uint64 { return &s.nextAvatarUID }
func (s *State) UserIDCounter() *uint64    { return &s.nextUserID }
func (s *State) PhotoIDCounter() *uint64   { return &s.nextPhotoID }
func (s *State) ParcelIDCounter() *uint64  { return &s.nextParcelID }

// SetCredential stores a named credential (AI API key, SMTP password, ...)
// in the process-wide credential map from spec §4.D/§6.4.
func (s *State) SetCredential(name, value string) { s.credentials[name] = value }

// Credential returns a stored credential and whether it was present.
func (s *State) Credential(name string) (string, bool) {
	v, ok := s.credentials[name]
	return v, ok
}

// Credentials returns a copy of the full credential map, for persistence.
func (s *State) Credentials() map[string]string {
	out := make(map[string]string, len(s.credentials))
	for k, v := range s.credentials {
		out[k] = v
	}
	return out
}

// MarkRecordForDeletion adds key to the set reclaimed at the next flush.
func (s *State) MarkRecordForDeletion(key uint64) { s.dbRecordsToDelete[key] = struct{}{} }

// DrainRecordsToDelete returns and clears the pending-deletion key set.
func (s *State) DrainRecordsToDelete() []uint64 {
	keys := make([]uint64, 0, len(s.dbRecordsToDelete))
	for k := range s.dbRecordsToDelete {
		keys = append(keys, k)
	}
	s.dbRecordsToDelete = make(map[uint64]struct{})
	return keys
}

// Users, Photos and the remaining auxiliary maps are exposed directly
// (rather than through per-field getters) since callers already hold the
// lock and need map-shaped access for iteration during load/flush/migrate.
func (s *State) UsersMap() map[uint64]*User                           { return s.users }
func (s *State) OrdersMap() map[uint64]*Order                         { return s.orders }
func (s *State) SessionsMap() map[string]*Session                     { return s.sessions }
func (s *State) AuctionsMap() map[uint64]*Auction                     { return s.auctions }
func (s *State) ScreenshotsMap() map[uint64]*Screenshot               { return s.screenshots }
func (s *State) TransactionsMap() map[uint64]*SubEthTransaction       { return s.transactions }
func (s *State) PhotosMap() map[uint64]*Photo                         { return s.photos }
func (s *State) EventsMap() map[uint64]*Event                         { return s.events }
func (s *State) NewsPostsMap() map[uint64]*NewsPost                   { return s.newsPosts }
func (s *State) ObjectStorageItemsMap() map[uint64]*ObjectStorageItem { return s.objectStorageItems }
func (s *State) UserSecretsMap() map[uint64]*UserSecret               { return s.userSecrets }
func (s *State) MapTilesMap() map[uint64]*MapTileInfo                 { return s.mapTiles }
func (s *State) EthInfoMap() map[uint64]*EthInfo                      { return s.ethInfo }

// MarkUserDirty, MarkPhotoDirty and friends record that an auxiliary
// entity's persisted form has diverged from its record-store bytes.
func (s *State) MarkUserDirty(id uint64)    { s.dirtyUsers[id] = struct{}{} }
func (s *State) MarkOrderDirty(id uint64)   { s.dirtyOrders[id] = struct{}{} }
func (s *State) MarkPhotoDirty(id uint64)   { s.dirtyPhotos[id] = struct{}{} }
func (s *State) MarkEventDirty(id uint64)   { s.dirtyEvents[id] = struct{}{} }

// DrainDirtyUsers returns and clears the dirty-user id set.
func (s *State) DrainDirtyUsers() []uint64 {
	ids := make([]uint64, 0, len(s.dirtyUsers))
	for id := range s.dirtyUsers {
		ids = append(ids, id)
	}
	s.dirtyUsers = make(map[uint64]struct{})
	return ids
}

// DrainDirtyPhotos returns and clears the dirty-photo id set.
func (s *State) DrainDirtyPhotos() []uint64 {
	ids := make([]uint64, 0, len(s.dirtyPhotos))
	for id := range s.dirtyPhotos {
		ids = append(ids, id)
	}
	s.dirtyPhotos = make(map[uint64]struct{})
	return ids
}

// MigrationVersion returns the currently applied migration version.
func (s *State) MigrationVersion() int { return s.migrationVersion }

// SetMigrationVersion records that migrations up to and including v have
// run.
func (s *State) SetMigrationVersion(v int) { s.migrationVersion = v }
