// Package catalog implements C3, the durable file-backed session catalog
// (spec.md §3/§4.3): a single JSON document mapping slug -> session record.
// It is read-modify-written on every update with no file locking, exactly
// the last-writer-wins model spec.md §5 calls out for concurrent processes
// sharing a working directory.
//
// The method shapes (Create/Find/Update/Delete/All plus an activity-style
// append operation) are grounded on the teacher's internal/sbxstore.Store
// and internal/session.Store, translated from a Postgres-backed store to a
// JSON-file-backed one per spec.md §3's explicit "catalog is a single JSON
// document, not a database" requirement; nullable fields use plain *string/
// *time.Time in place of the teacher's sql.Null* wrappers, the natural
// equivalent once there is no database driver to round-trip through.
package catalog

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// excerptLimit is the maximum length of a conversation's last_prompt_excerpt
// (spec.md §3).
const excerptLimit = 51

// Conversation is one entry in a session record's append-only history.
type Conversation struct {
	UUID              string    `json:"uuid"`
	CreatedAt         time.Time `json:"created_at"`
	LastPromptExcerpt string    `json:"last_prompt_excerpt,omitempty"`
}

// Record is the durable representation of one session (spec.md §3). Fields
// this struct doesn't declare are preserved verbatim across a
// read-modify-write cycle (spec.md §6/§9, "Unknown fields must round-trip
// through the catalog") in extra, the way the teacher's sbxstore/session
// stores carry forward columns they don't map into Go fields.
type Record struct {
	Slug          string         `json:"slug"`
	SandboxID     *string        `json:"sandbox_id,omitempty"`
	AccessToken   string         `json:"access_token"`
	TunnelID      *string        `json:"tunnel_id,omitempty"`
	TunnelToken   *string        `json:"tunnel_token,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Conversations []Conversation `json:"conversations,omitempty"`

	extra map[string]json.RawMessage
}

var recordKnownFields = map[string]bool{
	"slug": true, "sandbox_id": true, "access_token": true,
	"tunnel_id": true, "tunnel_token": true, "created_at": true,
	"conversations": true,
}

func (r *Record) UnmarshalJSON(b []byte) error {
	type alias Record
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*r = Record(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.extra = nil
	for k, v := range raw {
		if recordKnownFields[k] {
			continue
		}
		if r.extra == nil {
			r.extra = make(map[string]json.RawMessage)
		}
		r.extra[k] = v
	}
	return nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record
	b, err := json.Marshal(alias(r))
	if err != nil {
		return nil, err
	}
	if len(r.extra) == 0 {
		return b, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// document is the top-level catalog file shape. Like Record, it preserves
// any key besides "sessions" it doesn't recognize.
type document struct {
	Sessions map[string]*Record `json:"sessions"`

	extra map[string]json.RawMessage
}

func (d *document) UnmarshalJSON(b []byte) error {
	type alias document
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*d = document(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d.extra = nil
	for k, v := range raw {
		if k == "sessions" {
			continue
		}
		if d.extra == nil {
			d.extra = make(map[string]json.RawMessage)
		}
		d.extra[k] = v
	}
	return nil
}

func (d document) MarshalJSON() ([]byte, error) {
	type alias document
	b, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}
	if len(d.extra) == 0 {
		return b, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Catalog is a JSON-file-backed store rooted at one fixed path
// (conventionally .kml/sessions.json relative to a service directory).
type Catalog struct {
	path string
	mu   sync.Mutex
}

// New returns a Catalog backed by the file at path. The file need not exist
// yet; it is created on first write.
func New(path string) *Catalog {
	return &Catalog{path: path}
}

// All returns every record in the catalog, keyed by slug. A missing or
// corrupt catalog file is not an error: it reads as empty, per spec.md §3's
// "corruption-tolerant" invariant.
func (c *Catalog) All() map[string]*Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read().Sessions
}

// Find returns the record for slug, if any.
func (c *Catalog) Find(slug string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.read().Sessions[slug]
	return rec, ok
}

// Create inserts a new record for slug with a freshly generated access
// token, failing if slug already exists (invariant I1). The access token is
// generated before this call returns and is never rotated afterward
// (invariant I2) — callers must call Create before any external resource is
// provisioned.
func (c *Catalog) Create(slug string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.read()
	if _, exists := doc.Sessions[slug]; exists {
		return nil, fmt.Errorf("catalog: slug %q already exists", slug)
	}

	token, err := randomAccessToken()
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	rec := &Record{
		Slug:        slug,
		AccessToken: token,
		CreatedAt:   time.Now().UTC(),
	}
	doc.Sessions[slug] = rec
	if err := c.write(doc); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies fn to the current record for slug and persists the result.
// fn must not change Slug or AccessToken (I1, I2); Update does not enforce
// this beyond restoring both fields after fn runs, so a caller attempting
// to mutate them silently has no effect.
func (c *Catalog) Update(slug string, fn func(*Record)) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.read()
	rec, ok := doc.Sessions[slug]
	if !ok {
		return nil, fmt.Errorf("catalog: slug %q not found", slug)
	}

	origSlug, origToken := rec.Slug, rec.AccessToken
	fn(rec)
	rec.Slug = origSlug
	rec.AccessToken = origToken

	if err := c.write(doc); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes slug from the catalog. Deleting a slug that does not exist
// is not an error.
func (c *Catalog) Delete(slug string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.read()
	delete(doc.Sessions, slug)
	return c.write(doc)
}

// AddConversation appends a new conversation to slug's history (invariant
// I5: conversations are append-only).
func (c *Catalog) AddConversation(slug, uuid string) (*Record, error) {
	return c.Update(slug, func(rec *Record) {
		rec.Conversations = append(rec.Conversations, Conversation{
			UUID:      uuid,
			CreatedAt: time.Now().UTC(),
		})
	})
}

// UpdateConversationExcerpt sets the last_prompt_excerpt of an existing
// conversation, truncating to excerptLimit characters — the only mutation
// I5 permits on an existing entry.
func (c *Catalog) UpdateConversationExcerpt(slug, uuid, excerpt string) (*Record, error) {
	if r := []rune(excerpt); len(r) > excerptLimit {
		excerpt = string(r[:excerptLimit])
	}
	return c.Update(slug, func(rec *Record) {
		for i := range rec.Conversations {
			if rec.Conversations[i].UUID == uuid {
				rec.Conversations[i].LastPromptExcerpt = excerpt
				return
			}
		}
	})
}

// read loads the catalog file, tolerating absence or corruption by
// returning an empty document rather than an error.
func (c *Catalog) read() document {
	doc := document{Sessions: make(map[string]*Record)}

	b, err := os.ReadFile(c.path)
	if err != nil {
		return doc
	}
	var parsed document
	if err := json.Unmarshal(b, &parsed); err != nil {
		return doc
	}
	if parsed.Sessions == nil {
		parsed.Sessions = make(map[string]*Record)
	}
	return parsed
}

// write pretty-prints doc and replaces the catalog file atomically via a
// temp-file-then-rename, so a crash mid-write never leaves a truncated
// catalog on disk.
func (c *Catalog) write(doc document) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create catalog directory: %w", err)
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write catalog temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename catalog temp file: %w", err)
	}
	return nil
}

func randomAccessToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil // 64 hex chars, per spec.md §3
}
