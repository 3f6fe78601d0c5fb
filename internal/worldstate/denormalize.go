package worldstate

// Denormalize runs after load, per spec §4.D: it copies each object's
// creator name onto the object, and projects each parcel's owner/admin/
// writer user IDs through the user table to fill their denormalized name
// fields for display. Caller must hold the lock.
func (s *State) Denormalize() {
	userName := func(id uint64) string {
		if u, ok := s.users[id]; ok {
			return u.Name
		}
		return ""
	}

	for _, w := range s.worlds {
		for _, obj := range w.Objects {
			obj.CreatorName = userName(obj.CreatorID)
		}
		for _, p := range w.Parcels {
			p.OwnerName = userName(p.OwnerID)
			p.AdminNames = namesFor(p.AdminIDs, userName)
			p.WriterNames = namesFor(p.WriterIDs, userName)
		}
	}
}

func namesFor(ids []uint64, userName func(uint64) string) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = userName(id)
	}
	return names
}
