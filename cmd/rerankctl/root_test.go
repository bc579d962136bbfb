package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/knoguchi/rerank/internal/artifact"
	"github.com/knoguchi/rerank/internal/auth"
	"github.com/knoguchi/rerank/internal/retriever"
	"github.com/knoguchi/rerank/internal/scorer"
)

// execute runs rootCmd with args and returns its stdout. Flags keep their
// values between runs, so they are reset first.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("MODEL_CACHE_DIR", t.TempDir())
	resetFlags(rootCmd)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)

	err := Execute(context.Background())
	return buf.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed && !strings.HasSuffix(f.Value.Type(), "Slice") {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestRootCmd_Help(t *testing.T) {
	out, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("root --help failed: %v", err)
	}

	for _, sub := range []string{"warm", "score", "health", "token", "index", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q, got:\n%s", sub, out)
		}
	}
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	if _, err := execute(t, "nonexistent-command"); err == nil {
		t.Fatal("expected error for unknown command, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version", "--short")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Errorf("expected %q, got %q", version, out)
	}
}

func TestTokenCmd(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	out, err := execute(t, "token", "--subject", "ops")
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}

	claims, err := auth.NewJWTManager(auth.DefaultJWTConfig("test-secret")).ValidateToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("minted token does not validate: %v", err)
	}
	if claims.Subject != "ops" || claims.Role != auth.RoleAdmin {
		t.Errorf("unexpected claims: subject=%q role=%q", claims.Subject, claims.Role)
	}

	if _, err := execute(t, "token"); err == nil {
		t.Error("expected error without --subject")
	}
}

func newScoringServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/score", func(w http.ResponseWriter, r *http.Request) {
		var req scorer.ScoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		scores := make([]float32, len(req.Chunks))
		for i, c := range req.Chunks {
			if strings.Contains(strings.ToLower(c), strings.ToLower(req.Query)) {
				scores[i] = 1
			}
		}
		_ = json.NewEncoder(w).Encode(scorer.ScoreResponse{Scores: scores, NumChunks: len(scores), Status: "success"})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestScoreCmd(t *testing.T) {
	srv := newScoringServer(t)

	file := filepath.Join(t.TempDir(), "chunks.txt")
	if err := os.WriteFile(file, []byte("Refunds take 30 days\n\nshipping is free\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "score", "--url", srv.URL+"/v1/score", "-q", "refunds", "--file", file, "A refunds FAQ")
	if err != nil {
		t.Fatalf("score failed: %v", err)
	}

	var lines []scoredLine
	if err := json.Unmarshal([]byte(out), &lines); err != nil {
		t.Fatalf("invalid output %q: %v", out, err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 scored chunks, got %d", len(lines))
	}
	want := []float32{1, 1, 0}
	for i, l := range lines {
		if l.Index != i || l.Score != want[i] {
			t.Errorf("line %d = %+v, want score %v", i, l, want[i])
		}
	}
	if lines[0].Text != "A refunds FAQ" {
		t.Errorf("arguments should come before file chunks, got %q", lines[0].Text)
	}
}

func TestScoreCmd_NoChunks(t *testing.T) {
	if _, err := execute(t, "score", "-q", "refunds"); err == nil {
		t.Error("expected error without chunks")
	}
}

func TestHealthCmd(t *testing.T) {
	srv := newScoringServer(t)

	out, err := execute(t, "health", "--url", srv.URL+"/v1/score")
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if !strings.Contains(out, "healthy") {
		t.Errorf("unexpected output %q", out)
	}

	srv.Close()
	if _, err := execute(t, "health", "--url", srv.URL+"/v1/score"); err == nil {
		t.Error("expected error for a stopped service")
	}
}

func TestWarmCmd_Local(t *testing.T) {
	out, err := execute(t, "warm", "--tier", "local")
	if err != nil {
		t.Fatalf("warm failed: %v", err)
	}

	var statuses []artifact.Status
	if err := json.Unmarshal([]byte(out), &statuses); err != nil {
		t.Fatalf("invalid output %q: %v", out, err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status, got %d", len(statuses))
	}
	if statuses[0].State != artifact.StateReady.String() || statuses[0].Exports != 1 {
		t.Errorf("unexpected status %+v", statuses[0])
	}

	if _, err := execute(t, "warm", "--tier", "remote"); err == nil {
		t.Error("expected error for a tier without artifacts")
	}
}

func TestIndexCmd_SQLite(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(t.TempDir(), "policy.txt")
	content := "Refunds are issued within 30 days. Shipping takes five business days."
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "index", "--no-register", "--dir", dir, file)
	if err != nil {
		t.Fatalf("index failed: %v", err)
	}

	var docs []indexedDocument
	if err := json.Unmarshal([]byte(out), &docs); err != nil {
		t.Fatalf("invalid output %q: %v", out, err)
	}
	if len(docs) != 1 || docs[0].Registered || docs[0].Chunks == 0 {
		t.Fatalf("unexpected output %+v", docs)
	}
	if docs[0].Title != "policy.txt" {
		t.Errorf("expected title from file name, got %q", docs[0].Title)
	}

	ctx := context.Background()
	r, err := retriever.SQLiteOpener{}.Open(ctx, retriever.Locator{
		DocumentID: docs[0].ID,
		Kind:       retriever.KindSQLite,
		IndexPath:  docs[0].Path,
	})
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	defer r.Close()

	results, err := r.Search(ctx, "shipping", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Error("expected the indexed text to be searchable")
	}
}

func TestIndexCmd_InvalidKind(t *testing.T) {
	if _, err := execute(t, "index", "--no-register", "--kind", "faiss", "doc.txt"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
