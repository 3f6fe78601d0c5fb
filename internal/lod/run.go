package lod

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

// Run drains the check-generation queue until ctx is cancelled, per spec
// §4.G/§5: it performs one full scan at startup, then processes requests
// as the dispatcher posts them. Partial failures are logged and recorded
// per-object rather than propagated, per spec §7.
func (p *Pipeline) Run(ctx context.Context, state *worldstate.State) {
	p.FullScan(state)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.requests:
			p.processOne(state, req.worldName, req.uid)
		}
	}
}

// FullScan enqueues every object in every world, per spec §4.G's "On
// startup does one full scan of all worlds".
func (p *Pipeline) FullScan(state *worldstate.State) {
	state.Lock()
	var reqs []genRequest
	for _, name := range state.Worlds() {
		w := state.GetWorld(name)
		for uid := range w.Objects {
			reqs = append(reqs, genRequest{worldName: name, uid: uid})
		}
	}
	state.Unlock()
	for _, r := range reqs {
		p.Enqueue(r.worldName, r.uid)
	}
}

func (p *Pipeline) processOne(state *worldstate.State, worldName string, uid uint64) {
	state.Lock()
	w := state.GetWorld(worldName)
	obj, ok := w.Objects[uid]
	if !ok || obj.Dead {
		state.Unlock()
		return
	}
	snapshot := *obj
	state.Unlock()

	err := p.ProcessObject(snapshot, func(aabb worldstate.AABB) {
		state.Lock()
		defer state.Unlock()
		if cur, ok := w.Objects[uid]; ok {
			cur.ObjectSpaceAABB = aabb
			w.MarkObjectDirty(uid)
		}
	})
	if err != nil {
		log.Printf("lod: object %d: %v", uid, err)
		p.lastError[uid] = err
	} else {
		delete(p.lastError, uid)
	}
}

func writeTempFile(stateDir string, data []byte) (string, error) {
	dir := filepath.Join(stateDir, "tmp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "lod-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func removeTempFile(path string) {
	os.Remove(path)
}
