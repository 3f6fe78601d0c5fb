// Package dyntex implements the dynamic-resource poller from spec §4.I: it
// scans object scripts for a `<dynamic_texture_update>` directive, fetches
// the referenced image over HTTP, and mutates the object's material when
// the fetched content differs from what is already registered.
package dyntex

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/cyberspaced/cyberspaced/internal/lod"
	"github.com/cyberspaced/cyberspaced/internal/resources"
	"github.com/cyberspaced/cyberspaced/internal/worldstate"
)

// MaxResponseBytes bounds every fetch, per spec §4.I ("bounded by a size
// cap (32 MB)").
const MaxResponseBytes = 32 * 1024 * 1024

// PollInterval is the default sweep cadence, per spec §4.I ("once per
// ≈1 hour").
const PollInterval = time.Hour

// directiveRe matches a `<dynamic_texture_update base_url=... material_index=...
// material_texture={colour|emission}/>` tag embedded in an object's script,
// grounded on internal/parse/parse.go's `(?s)<!-- wt:schedule ...-->`-style
// directive matching.
var directiveRe = regexp.MustCompile(`<dynamic_texture_update\s+([^>]*?)/?>`)

var attrRe = regexp.MustCompile(`(\w+)=("([^"]*?)"|(\S+))`)

// Directive is one parsed `<dynamic_texture_update>` tag.
type Directive struct {
	BaseURL        string
	MaterialIndex  int
	MaterialTarget string // "colour" or "emission"
}

// ParseDirective returns the first dynamic-texture-update directive found
// in script, if any.
func ParseDirective(script string) (Directive, bool) {
	m := directiveRe.FindStringSubmatch(script)
	if m == nil {
		return Directive{}, false
	}
	attrs := parseAttrs(m[1])
	baseURL := attrs["base_url"]
	if baseURL == "" {
		return Directive{}, false
	}
	target := attrs["material_texture"]
	if target != "colour" && target != "emission" {
		target = "colour"
	}
	idx := 0
	fmt.Sscanf(attrs["material_index"], "%d", &idx)
	return Directive{BaseURL: baseURL, MaterialIndex: idx, MaterialTarget: target}, true
}

func parseAttrs(s string) map[string]string {
	attrs := map[string]string{}
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		key := m[1]
		if m[3] != "" {
			attrs[key] = m[3]
		} else {
			attrs[key] = m[4]
		}
	}
	return attrs
}

// supportedImageMagic holds the byte prefixes this poller accepts, per spec
// §4.I's "supported image format whose magic-bytes validate".
var supportedImageMagic = [][]byte{
	{0xFF, 0xD8, 0xFF},               // JPEG
	{0x89, 'P', 'N', 'G', 0x0D, 0x0A}, // PNG
	{'G', 'I', 'F', '8'},              // GIF
}

func hasSupportedMagic(data []byte) bool {
	for _, magic := range supportedImageMagic {
		if bytes.HasPrefix(data, magic) {
			return true
		}
	}
	return false
}

// Poller is the per-process dynamic-resource poll worker.
type Poller struct {
	Resources  *resources.Registry
	LOD        *lod.Pipeline
	HTTPClient *http.Client
	StateDir   string

	// forceUpdate, when set by an admin command, causes the next tick to
	// run the sweep immediately rather than waiting out PollInterval.
	forceUpdate chan struct{}
}

// New constructs a Poller with a bounded-body HTTP client.
func New(reg *resources.Registry, pipeline *lod.Pipeline, stateDir string) *Poller {
	return &Poller{
		Resources:   reg,
		LOD:         pipeline,
		StateDir:    stateDir,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		forceUpdate: make(chan struct{}, 1),
	}
}

// ForceUpdate requests an out-of-cycle sweep, per spec §4.I's "admin
// force-update flag".
func (p *Poller) ForceUpdate() {
	select {
	case p.forceUpdate <- struct{}{}:
	default:
	}
}

// Run sweeps objects on a fixed interval (or immediately on ForceUpdate)
// until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, state *worldstate.State) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx, state)
		case <-p.forceUpdate:
			p.sweep(ctx, state)
		}
	}
}

type candidate struct {
	worldName string
	uid       uint64
	dir       Directive
	curURL    string
}

func (p *Poller) sweep(ctx context.Context, state *worldstate.State) {
	var candidates []candidate

	state.Lock()
	for _, worldName := range state.Worlds() {
		w := state.GetWorld(worldName)
		for _, obj := range w.Objects {
			if obj.Dead || obj.Script == "" {
				continue
			}
			dir, ok := ParseDirective(obj.Script)
			if !ok {
				continue
			}
			user, ok := p.creatorAllowsPolling(state, obj.CreatorID)
			if !ok || !user {
				continue
			}
			curURL := ""
			if dir.MaterialIndex >= 0 && dir.MaterialIndex < len(obj.Materials) {
				if dir.MaterialTarget == "emission" {
					curURL = obj.Materials[dir.MaterialIndex].EmissionTexURL
				} else {
					curURL = obj.Materials[dir.MaterialIndex].ColorTexURL
				}
			}
			candidates = append(candidates, candidate{worldName: worldName, uid: obj.UID, dir: dir, curURL: curURL})
		}
	}
	state.Unlock()

	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.dir.BaseURL]; dup {
			continue
		}
		seen[c.dir.BaseURL] = struct{}{}
		p.processOne(ctx, state, c)
	}
}

func (p *Poller) creatorAllowsPolling(state *worldstate.State, creatorID uint64) (allowed, ok bool) {
	user, present := state.UsersMap()[creatorID]
	if !present {
		return false, false
	}
	return user.AllowDynTexUpdateChecking, true
}

func (p *Poller) processOne(ctx context.Context, state *worldstate.State, c candidate) {
	data, err := p.fetch(ctx, c.dir.BaseURL)
	if err != nil {
		return
	}
	if !hasSupportedMagic(data) {
		return
	}

	sum := sha256.Sum256(data)
	hash := binary.BigEndian.Uint64(sum[:8])
	newURL := resources.URLForPathAndHash(c.dir.BaseURL, hash)
	if newURL == c.curURL {
		return // unchanged; nothing to mutate
	}

	if !p.Resources.IsPresent(newURL) {
		tmp, err := writeTempFile(p.StateDir, data)
		if err != nil {
			return
		}
		defer removeTempFile(tmp)
		if err := p.Resources.CopyLocalFile(tmp, newURL); err != nil && err != resources.ErrAlreadyPresent {
			return
		}
	}

	state.Lock()
	w := state.GetWorld(c.worldName)
	obj, ok := w.Objects[c.uid]
	if !ok || obj.Dead || c.dir.MaterialIndex < 0 || c.dir.MaterialIndex >= len(obj.Materials) {
		state.Unlock()
		return
	}
	if c.dir.MaterialTarget == "emission" {
		obj.Materials[c.dir.MaterialIndex].EmissionTexURL = newURL
	} else {
		obj.Materials[c.dir.MaterialIndex].ColorTexURL = newURL
	}
	w.MarkObjectDirty(c.uid)
	state.Unlock()

	if p.LOD != nil {
		p.LOD.Enqueue(c.worldName, c.uid)
	}
}

// fetch performs one bounded HTTP GET, per spec §4.I.
func (p *Poller) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dyntex: build request %s: %w", url, err)
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dyntex: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dyntex: fetch %s: status %d", url, resp.StatusCode)
	}
	limited := io.LimitReader(resp.Body, MaxResponseBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("dyntex: read %s: %w", url, err)
	}
	if len(data) > MaxResponseBytes {
		return nil, fmt.Errorf("dyntex: %s exceeds %d byte cap", url, MaxResponseBytes)
	}
	return data, nil
}
