package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateRejectsDuplicateSlug(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "sessions.json"))

	if _, err := c.Create("demo"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := c.Create("demo"); err == nil {
		t.Fatal("expected error creating duplicate slug")
	}
}

func TestCreateGeneratesHexAccessToken(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "sessions.json"))

	rec, err := c.Create("demo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(rec.AccessToken) != 64 {
		t.Fatalf("access token length = %d, want 64", len(rec.AccessToken))
	}
	for _, r := range rec.AccessToken {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Fatalf("access token %q is not lowercase hex", rec.AccessToken)
		}
	}
}

func TestUpdatePreservesSlugAndToken(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "sessions.json"))
	rec, _ := c.Create("demo")
	origToken := rec.AccessToken

	sandboxID := "sbx-1"
	updated, err := c.Update("demo", func(r *Record) {
		r.SandboxID = &sandboxID
		r.Slug = "tampered"
		r.AccessToken = "tampered"
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Slug != "demo" {
		t.Fatalf("slug mutated: %q", updated.Slug)
	}
	if updated.AccessToken != origToken {
		t.Fatalf("access token mutated: %q", updated.AccessToken)
	}
	if updated.SandboxID == nil || *updated.SandboxID != sandboxID {
		t.Fatalf("sandbox id not persisted: %+v", updated.SandboxID)
	}
}

func TestUpdateMissingSlugFails(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "sessions.json"))
	if _, err := c.Update("ghost", func(*Record) {}); err == nil {
		t.Fatal("expected error updating missing slug")
	}
}

func TestAddConversationIsAppendOnly(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "sessions.json"))
	c.Create("demo")

	if _, err := c.AddConversation("demo", "uuid-1"); err != nil {
		t.Fatalf("add conversation: %v", err)
	}
	rec, err := c.AddConversation("demo", "uuid-2")
	if err != nil {
		t.Fatalf("add second conversation: %v", err)
	}
	if len(rec.Conversations) != 2 {
		t.Fatalf("conversations = %d, want 2", len(rec.Conversations))
	}
	if rec.Conversations[0].UUID != "uuid-1" || rec.Conversations[1].UUID != "uuid-2" {
		t.Fatalf("conversation order not preserved: %+v", rec.Conversations)
	}
}

func TestUpdateConversationExcerptTruncatesTo51Chars(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "sessions.json"))
	c.Create("demo")
	c.AddConversation("demo", "uuid-1")

	long := ""
	for i := 0; i < 100; i++ {
		long += "x"
	}
	rec, err := c.UpdateConversationExcerpt("demo", "uuid-1", long)
	if err != nil {
		t.Fatalf("update excerpt: %v", err)
	}
	if len(rec.Conversations[0].LastPromptExcerpt) != 51 {
		t.Fatalf("excerpt length = %d, want 51", len(rec.Conversations[0].LastPromptExcerpt))
	}
}

func TestDeleteRemovesSlug(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "sessions.json"))
	c.Create("demo")

	if err := c.Delete("demo"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := c.Find("demo"); ok {
		t.Fatal("slug still present after delete")
	}
	if err := c.Delete("demo"); err != nil {
		t.Fatalf("delete of already-deleted slug should not error: %v", err)
	}
}

func TestCorruptCatalogReadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	c := New(path)
	all := c.All()
	if len(all) != 0 {
		t.Fatalf("corrupt catalog should read as empty, got %d entries", len(all))
	}

	// A subsequent write must still succeed and overwrite the corrupt file.
	if _, err := c.Create("demo"); err != nil {
		t.Fatalf("create after corrupt read: %v", err)
	}
}

func TestPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	c1 := New(path)
	c1.Create("demo")

	c2 := New(path)
	if _, ok := c2.Find("demo"); !ok {
		t.Fatal("record not visible from a fresh Catalog over the same path")
	}
}

func TestUnknownFieldsRoundTripThroughReadModifyWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	seed := `{
		"sessions": {
			"demo": {
				"slug": "demo",
				"access_token": "deadbeef",
				"created_at": "2026-01-01T00:00:00Z",
				"future_field": "from a newer version"
			}
		},
		"catalog_version": 3
	}`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}

	c := New(path)
	sandboxID := "sbx-1"
	if _, err := c.Update("demo", func(r *Record) { r.SandboxID = &sandboxID }); err != nil {
		t.Fatalf("update: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back catalog: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	if raw["catalog_version"] != float64(3) {
		t.Fatalf("unknown top-level field not preserved: %+v", raw["catalog_version"])
	}
	sessions := raw["sessions"].(map[string]any)
	demo := sessions["demo"].(map[string]any)
	if demo["future_field"] != "from a newer version" {
		t.Fatalf("unknown record field not preserved: %+v", demo["future_field"])
	}
	if demo["sandbox_id"] != sandboxID {
		t.Fatalf("known field not written: %+v", demo["sandbox_id"])
	}
}
