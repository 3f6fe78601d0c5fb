package worldstate

// migrations are idempotent small world-walks applied in order, each
// gated on the persisted migration_version. Migration i (1-indexed in this
// slice as index i-1) runs iff the stored version is below i, then the
// version is bumped to i. Per spec §4.D, migrations run after
// Denormalize.
var migrations = []func(s *State){
	migrateAudioFlags,
	migratePersonalWorlds,
}

// Migrate runs every migration whose index exceeds the stored version,
// bumping the version after each one. Caller must hold the lock and must
// have already called Denormalize.
func (s *State) Migrate() {
	for i, m := range migrations {
		version := i + 1
		if s.migrationVersion >= version {
			continue
		}
		m(s)
		s.migrationVersion = version
	}
}

// migrateAudioFlags sets the audio-autoplay and audio-loop flags on any
// object with a non-empty audio URL, matching the original server's
// one-time cleanup of objects created before those flags existed.
func migrateAudioFlags(s *State) {
	for _, w := range s.worlds {
		for _, obj := range w.Objects {
			if obj.AudioURL == "" {
				continue
			}
			before := obj.Flags
			obj.Flags |= ObjectFlagAudioAutoplay | ObjectFlagAudioLoop
			if obj.Flags != before {
				w.MarkObjectDirty(obj.UID)
			}
		}
	}
}

// migratePersonalWorlds ensures every user has a personal world (keyed by
// their username), per spec §4.D's migration example.
func migratePersonalWorlds(s *State) {
	for _, u := range s.users {
		if u.Name == "" {
			continue
		}
		s.GetWorld(u.Name)
	}
}
