package workerscript

import "testing"

func TestSourceEmbedsStateMachine(t *testing.T) {
	if Source == "" {
		t.Fatal("embedded worker source is empty")
	}
	for _, want := range []string{"kml_token", "ACCESS_TOKEN", "/assets/", "HTMLRewriter"} {
		if !contains(Source, want) {
			t.Errorf("embedded worker source missing %q", want)
		}
	}
}

func TestBindingsMergesInjectionOnlyWhenSet(t *testing.T) {
	b := Bindings(map[string]string{"FOO": "bar"}, "")
	if _, ok := b[InjectionBinding]; ok {
		t.Fatal("empty injection string should not add a binding")
	}
	if b["FOO"] != "bar" {
		t.Fatalf("extra binding not preserved: %+v", b)
	}

	b = Bindings(nil, "<script>x</script>")
	if b[InjectionBinding] != "<script>x</script>" {
		t.Fatalf("injection binding not set: %+v", b)
	}
}

func TestFilesIncludesMainModule(t *testing.T) {
	f := Files(map[string]string{"extra.js": "export const x = 1;"})
	if f[ModuleName] != Source {
		t.Fatal("main module not present under ModuleName")
	}
	if f["extra.js"] == "" {
		t.Fatal("extra module not preserved")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
