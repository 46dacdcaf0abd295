package guidance

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ZKPay-Chain/internal/backend"
)

func TestBuiltinAnswersGenericProofQuestion(t *testing.T) {
	p := Builtin(backend.DefaultCatalog(), 1)
	if got := Answer(p, "can you generate a proof?"); got != DefaultInfo {
		t.Fatalf("unexpected answer: %q", got)
	}
}

func TestBuiltinPrefersFunctionUsage(t *testing.T) {
	p := Builtin(backend.DefaultCatalog(), 1)
	got := Answer(p, "How do I call PROVE_KYC for a proof?")
	if !strings.HasPrefix(got, "prove_kyc(subject_id: i64, kyc_level: i32) [generic]") {
		t.Fatalf("unexpected answer: %q", got)
	}
}

func TestUsageRendersVariadicAndOptional(t *testing.T) {
	catalog := backend.DefaultCatalog()
	fold, ok := catalog.Lookup("recursive", "fold_proofs")
	if !ok {
		t.Fatalf("fold_proofs missing from catalog")
	}
	if got := Usage(fold); !strings.Contains(got, "bytes32... (min 2)") {
		t.Fatalf("unexpected usage: %q", got)
	}
	proximity, _ := catalog.Lookup("generic", "prove_device_proximity")
	if got := Usage(proximity); !strings.Contains(got, "device_id: i64?") {
		t.Fatalf("unexpected usage: %q", got)
	}
}

func TestLoadStaticProviderPutsFileEntriesFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guidance.json")
	content := `[{"title":"faq","content":"Proofs take about a minute.","keywords":["how long"]}]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write guidance: %v", err)
	}
	p, err := LoadStaticProvider(path, backend.DefaultCatalog(), 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := Answer(p, "how long does a proof take?"); got != "Proofs take about a minute." {
		t.Fatalf("unexpected answer: %q", got)
	}
	if got := Answer(p, "proof please"); got != DefaultInfo {
		t.Fatalf("expected fallback to builtin, got %q", got)
	}
	if _, err := LoadStaticProvider("", nil, 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestAnswerWithoutMatch(t *testing.T) {
	p := NewStaticProvider([]Snippet{{Content: "x", Keywords: []string{"zzz"}}}, 1)
	if got := Answer(p, "hello"); got != DefaultInfo {
		t.Fatalf("unexpected answer: %q", got)
	}
	if got := Answer(nil, "hello"); got != DefaultInfo {
		t.Fatalf("unexpected answer: %q", got)
	}
}
