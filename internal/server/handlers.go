package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/xy2gate/internal/capture"
	"example.com/xy2gate/internal/common"
	"example.com/xy2gate/internal/manifest"
	"example.com/xy2gate/internal/report"
	"example.com/xy2gate/internal/rules"
	"example.com/xy2gate/internal/xy2"
)

// Server coordinates HTTP handlers and manages temporary artifacts produced by
// decode and validation requests.
type Server struct {
	artifacts  *ArtifactStore
	workDir    string
	uploadsDir string
	mappings   map[string]mappingEntry
	mappingIDs []string
}

// Artifact represents a file generated or stored by the daemon.
type Artifact struct {
	ID          string
	Path        string
	Name        string
	ContentType string
	Size        int64
	Sha256      string
	Kind        string
}

// ArtifactRef is the public representation returned in API responses.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Sha256      string `json:"sha256,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

// ArtifactStore keeps track of generated artifacts for later download.
type ArtifactStore struct {
	mu      sync.RWMutex
	entries map[string]Artifact
}

// NewServer constructs a Server rooted at a temporary workspace directory.
func NewServer(opts Options) (*Server, error) {
	storageDir := opts.StorageDir
	if storageDir == "" {
		storageDir = os.TempDir()
	}
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(storageDir, "xy2d-")
	if err != nil {
		return nil, err
	}
	uploadsDir := filepath.Join(workDir, "uploads")
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	mappings, ids, err := buildMappingMap(opts)
	if err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	s := &Server{
		artifacts:  &ArtifactStore{entries: make(map[string]Artifact)},
		workDir:    workDir,
		uploadsDir: uploadsDir,
		mappings:   mappings,
		mappingIDs: ids,
	}
	return s, nil
}

// Close removes any temporary state associated with the server.
func (s *Server) Close() error {
	if s == nil || s.workDir == "" {
		return nil
	}
	return os.RemoveAll(s.workDir)
}

func (s *Server) tempPath(pattern string) (string, error) {
	f, err := os.CreateTemp(s.workDir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func (s *Server) addArtifact(path, displayName, contentType, kind string) (Artifact, error) {
	if path == "" {
		return Artifact{}, errors.New("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	id := randomID()
	art := Artifact{
		ID:          id,
		Path:        path,
		Name:        displayName,
		ContentType: contentType,
		Size:        info.Size(),
		Kind:        kind,
	}
	if art.Name == "" {
		art.Name = filepath.Base(path)
	}
	if art.ContentType == "" {
		art.ContentType = guessContentType(art.Name)
	}
	s.artifacts.mu.Lock()
	s.artifacts.entries[id] = art
	s.artifacts.mu.Unlock()
	return art, nil
}

// setArtifactHash stamps a digest computed while the artifact was written.
func (s *Server) setArtifactHash(id, sum string) {
	s.artifacts.mu.Lock()
	if art, ok := s.artifacts.entries[id]; ok {
		art.Sha256 = sum
		s.artifacts.entries[id] = art
	}
	s.artifacts.mu.Unlock()
}

func (s *Server) getArtifact(id string) (Artifact, bool) {
	s.artifacts.mu.RLock()
	art, ok := s.artifacts.entries[id]
	s.artifacts.mu.RUnlock()
	return art, ok
}

func (s *Server) resolvePath(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty input path")
	}
	if art, ok := s.getArtifact(token); ok {
		return art.Path, nil
	}
	abs := token
	if !filepath.IsAbs(token) {
		abs = filepath.Clean(token)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// resolveConfig turns a decode request's mapping fields into a line mapping.
// A mapping file token wins over a preset id; with neither the default
// wiring is used.
func (s *Server) resolveConfig(mappingToken, mappingID string) (xy2.Config, string, error) {
	if mappingToken != "" {
		path, err := s.resolvePath(mappingToken)
		if err != nil {
			return xy2.Config{}, "", fmt.Errorf("mapping resolve: %w", err)
		}
		cfg, err := capture.LoadMapping(path)
		if err != nil {
			return xy2.Config{}, "", fmt.Errorf("load mapping: %w", err)
		}
		return cfg, path, nil
	}
	id := mappingID
	if id == "" {
		id = DefaultMappingID
	}
	entry, ok := s.mappings[id]
	if !ok {
		return xy2.Config{}, "", fmt.Errorf("unknown mapping %s", id)
	}
	if entry.path == "" {
		return xy2.DefaultConfig(), "", nil
	}
	cfg, err := capture.LoadMapping(entry.path)
	if err != nil {
		return xy2.Config{}, "", fmt.Errorf("load mapping %s: %w", id, err)
	}
	return cfg, entry.path, nil
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stream := r.URL.Query().Get("stream") == "true"
	var req struct {
		Capture   string `json:"capture"`
		Mapping   string `json:"mapping"`
		MappingId string `json:"mappingId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if req.Capture == "" {
		http.Error(w, "capture required", http.StatusBadRequest)
		return
	}
	capturePath, err := s.resolvePath(req.Capture)
	if err != nil {
		http.Error(w, fmt.Sprintf("capture resolve: %v", err), http.StatusBadRequest)
		return
	}
	cfg, _, err := s.resolveConfig(req.Mapping, req.MappingId)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := capture.Decode(capturePath, cfg, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("decode: %v", err), http.StatusUnprocessableEntity)
		return
	}
	common.Logf("decode %s: %d frames from %d samples", filepath.Base(capturePath), len(sess.Frames), sess.Samples)
	w.Header().Set("X-Session-Samples", fmt.Sprintf("%d", sess.Samples))

	if stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
		writer := NewNDJSONWriter(w)
		for _, fr := range sess.Frames {
			if err := writer.WriteFrame(fr); err != nil {
				return
			}
		}
		_ = writer.WriteObject(struct {
			Type      string                   `json:"type"`
			Frames    int                      `json:"frames"`
			Samples   int64                    `json:"samples"`
			Summaries []capture.ChannelSummary `json:"summaries"`
		}{Type: "summary", Frames: len(sess.Frames), Samples: sess.Samples, Summaries: sess.Summaries(cfg)})
		return
	}

	framesPath, err := s.tempPath("frames-*.ndjson")
	if err != nil {
		http.Error(w, fmt.Sprintf("frames temp: %v", err), http.StatusInternalServerError)
		return
	}
	if err := writeFramesNDJSON(framesPath, sess.Frames); err != nil {
		http.Error(w, fmt.Sprintf("write frames: %v", err), http.StatusInternalServerError)
		return
	}
	framesArt, err := s.addArtifact(framesPath, "frames.ndjson", "application/x-ndjson", "frames")
	if err != nil {
		http.Error(w, fmt.Sprintf("register frames: %v", err), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Frames    int                      `json:"frames"`
		Samples   int64                    `json:"samples"`
		Summaries []capture.ChannelSummary `json:"summaries"`
		Artifacts []ArtifactRef            `json:"artifacts"`
	}{
		Frames:    len(sess.Frames),
		Samples:   sess.Samples,
		Summaries: sess.Summaries(cfg),
		Artifacts: []ArtifactRef{toRef(framesArt)},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stream := r.URL.Query().Get("stream") == "true"
	var req struct {
		Capture           string          `json:"capture"`
		Mapping           string          `json:"mapping"`
		MappingId         string          `json:"mappingId"`
		RulePack          *rules.RulePack `json:"rulePack"`
		IncludeTimestamps *bool           `json:"includeTimestamps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if req.Capture == "" {
		http.Error(w, "capture required", http.StatusBadRequest)
		return
	}
	capturePath, err := s.resolvePath(req.Capture)
	if err != nil {
		http.Error(w, fmt.Sprintf("capture resolve: %v", err), http.StatusBadRequest)
		return
	}
	cfg, mappingPath, err := s.resolveConfig(req.Mapping, req.MappingId)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rp := rules.DefaultRulePack()
	if req.RulePack != nil && len(req.RulePack.Rules) > 0 {
		rp = *req.RulePack
	}
	engine := rules.NewEngine(rp)
	engine.RegisterBuiltins()
	includeTimestamps := true
	if req.IncludeTimestamps != nil {
		includeTimestamps = *req.IncludeTimestamps
	}
	engine.SetConfigValue("diag.include_timestamps", includeTimestamps)
	ctx := &rules.Context{CapturePath: capturePath, MappingPath: mappingPath, Config: cfg}

	diags, err := engine.Eval(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if stream {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, fmt.Sprintf("eval: %v", err), status)
		return
	}
	rep := engine.MakeAcceptance()
	common.Logf("validate %s: pass=%v errors=%d warnings=%d", filepath.Base(capturePath),
		rep.Summary.Pass, rep.Summary.Errors, rep.Summary.Warnings)

	if stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
		writer := NewNDJSONWriter(w)
		for _, d := range diags {
			if err := writer.WriteDiagnostic(d); err != nil {
				return
			}
		}
		arts, err := s.saveValidationArtifacts(engine, rep, capturePath)
		if err != nil {
			_ = writer.WriteObject(map[string]any{"type": "error", "error": err.Error()})
			return
		}
		_ = writer.WriteObject(struct {
			Type       string        `json:"type"`
			Acceptance any           `json:"acceptance"`
			Artifacts  []ArtifactRef `json:"artifacts"`
			Total      int           `json:"diagnostics"`
		}{Type: "acceptance", Acceptance: rep, Artifacts: arts, Total: len(diags)})
		return
	}

	arts, err := s.saveValidationArtifacts(engine, rep, capturePath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Acceptance  rules.AcceptanceReport `json:"acceptance"`
		Diagnostics int                    `json:"diagnostics"`
		Artifacts   []ArtifactRef          `json:"artifacts"`
	}{
		Acceptance:  rep,
		Diagnostics: len(diags),
		Artifacts:   arts,
	}
	writeJSON(w, http.StatusOK, resp)
}

// saveValidationArtifacts writes the diagnostics stream, the acceptance JSON
// and the acceptance PDF and registers all three for download.
func (s *Server) saveValidationArtifacts(engine *rules.Engine, rep rules.AcceptanceReport, capturePath string) ([]ArtifactRef, error) {
	diagPath, err := s.tempPath("diagnostics-*.ndjson")
	if err != nil {
		return nil, fmt.Errorf("diagnostics temp: %w", err)
	}
	if err := engine.WriteDiagnosticsNDJSON(diagPath); err != nil {
		return nil, fmt.Errorf("write diagnostics: %w", err)
	}
	accPath, err := s.tempPath("acceptance-*.json")
	if err != nil {
		return nil, fmt.Errorf("acceptance temp: %w", err)
	}
	if err := report.SaveAcceptanceJSON(rep, accPath); err != nil {
		return nil, fmt.Errorf("write acceptance: %w", err)
	}
	captureHash := ""
	if hex, _, err := common.Sha256OfFile(capturePath); err == nil {
		captureHash = hex
	}
	pdfPath, err := s.tempPath("acceptance-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("acceptance pdf temp: %w", err)
	}
	if err := report.SaveAcceptancePDF(rep, captureHash, pdfPath); err != nil {
		return nil, fmt.Errorf("write acceptance pdf: %w", err)
	}
	diagArt, err := s.addArtifact(diagPath, "diagnostics.ndjson", "application/x-ndjson", "diagnostics")
	if err != nil {
		return nil, fmt.Errorf("register diagnostics: %w", err)
	}
	accArt, err := s.addArtifact(accPath, "acceptance_report.json", "application/json", "acceptance")
	if err != nil {
		return nil, fmt.Errorf("register acceptance: %w", err)
	}
	pdfArt, err := s.addArtifact(pdfPath, "acceptance_report.pdf", "application/pdf", "acceptance")
	if err != nil {
		return nil, fmt.Errorf("register acceptance pdf: %w", err)
	}
	return []ArtifactRef{toRef(diagArt), toRef(accArt), toRef(pdfArt)}, nil
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Inputs  []string `json:"inputs"`
		ShaAlgo string   `json:"shaAlgo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Inputs) == 0 {
		http.Error(w, "inputs required", http.StatusBadRequest)
		return
	}
	if req.ShaAlgo != "" && !strings.EqualFold(req.ShaAlgo, "sha256") {
		http.Error(w, "only sha256 supported", http.StatusBadRequest)
		return
	}
	var paths []string
	for _, in := range req.Inputs {
		resolved, err := s.resolvePath(in)
		if err != nil {
			http.Error(w, fmt.Sprintf("resolve %s: %v", in, err), http.StatusBadRequest)
			return
		}
		paths = append(paths, resolved)
	}
	m, err := manifest.Build(paths)
	if err != nil {
		http.Error(w, fmt.Sprintf("build manifest: %v", err), http.StatusInternalServerError)
		return
	}
	outPath, err := s.tempPath("manifest-*.json")
	if err != nil {
		http.Error(w, fmt.Sprintf("manifest temp: %v", err), http.StatusInternalServerError)
		return
	}
	if err := manifest.Save(m, outPath); err != nil {
		http.Error(w, fmt.Sprintf("write manifest: %v", err), http.StatusInternalServerError)
		return
	}
	art, err := s.addArtifact(outPath, "manifest.json", "application/json", "manifest")
	if err != nil {
		http.Error(w, fmt.Sprintf("register manifest: %v", err), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Manifest manifest.Manifest `json:"manifest"`
		Artifact ArtifactRef       `json:"artifact"`
	}{
		Manifest: m,
		Artifact: toRef(art),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type mappingInfo struct {
		ID   string `json:"id"`
		Name string `json:"name,omitempty"`
	}
	infos := make([]mappingInfo, 0, len(s.mappingIDs))
	for _, id := range s.mappingIDs {
		entry := s.mappings[id]
		infos = append(infos, mappingInfo{ID: entry.id, Name: entry.name})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/artifacts/")
	if id == "" {
		writeJSON(w, http.StatusOK, s.listArtifacts())
		return
	}
	art, ok := s.getArtifact(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open artifact: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("stat artifact: %v", err), http.StatusInternalServerError)
		return
	}
	if art.ContentType != "" {
		w.Header().Set("Content-Type", art.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	disposition := fmt.Sprintf("attachment; filename=\"%s\"", art.Name)
	w.Header().Set("Content-Disposition", disposition)
	io.Copy(w, f)
}

func toRef(art Artifact) ArtifactRef {
	return ArtifactRef{
		ID:          art.ID,
		Name:        art.Name,
		ContentType: art.ContentType,
		Size:        art.Size,
		Sha256:      art.Sha256,
		Kind:        art.Kind,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func guessContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".ndjson", ".jsonl":
		return "application/x-ndjson"
	case ".pdf":
		return "application/pdf"
	case ".capture", ".csv", ".txt":
		return "text/plain"
	case ".cbor":
		return "application/cbor"
	default:
		return "application/octet-stream"
	}
}

func randomID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		now := time.Now().UTC()
		return fmt.Sprintf("%d%06d", now.UnixNano(), os.Getpid())
	}
	return hex.EncodeToString(b[:])
}

func (s *Server) listArtifacts() []ArtifactRef {
	s.artifacts.mu.RLock()
	refs := make([]ArtifactRef, 0, len(s.artifacts.entries))
	for _, art := range s.artifacts.entries {
		refs = append(refs, toRef(art))
	}
	s.artifacts.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

func writeFramesNDJSON(path string, frames []xy2.Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, fr := range frames {
		if err := enc.Encode(fr); err != nil {
			return err
		}
	}
	return nil
}
