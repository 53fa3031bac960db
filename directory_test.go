package txfs

import (
	"bytes"
	"testing"

	"txfs/pkg/cache"
	"txfs/pkg/mvcc"
)

func newTestRoot(t *testing.T) *Directory {
	t.Helper()
	budget := cache.NewMemoryBudget(64 << 20)
	root, err := LoadDirectory(1, t.TempDir(), budget)
	if err != nil {
		t.Fatalf("load root: %v", err)
	}
	return root
}

func mustReadString(t *testing.T, f *VersionedFile, txn mvcc.TxnID) string {
	t.Helper()
	g, err := f.Read(txn)
	if err != nil {
		t.Fatalf("read at %s: %v", txn, err)
	}
	defer g.Release()
	b, err := g.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	return string(b)
}

// S1 — basic read/write ordering.
func TestScenarioBasicReadWriteOrdering(t *testing.T) {
	root := newTestRoot(t)

	f, err := root.CreateFile(1, "f", []byte("hello"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Commit(1); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	if err := root.Commit(1, true); err != nil {
		t.Fatalf("root commit 1: %v", err)
	}

	if got := mustReadString(t, f, 2); got != "hello" {
		t.Fatalf("expected hello at txn 2, got %q", got)
	}

	wg, err := f.Write(2)
	if err != nil {
		t.Fatalf("write at 2: %v", err)
	}
	if err := wg.Write([]byte("world")); err != nil {
		t.Fatalf("write bytes: %v", err)
	}
	wg.Release()

	if got := mustReadString(t, f, 1); got != "hello" {
		t.Fatalf("expected txn 1 to still see hello, got %q", got)
	}
	if got := mustReadString(t, f, 2); got != "world" {
		t.Fatalf("expected txn 2 to see world, got %q", got)
	}

	if err := f.Commit(2); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	if got := mustReadString(t, f, 3); got != "world" {
		t.Fatalf("expected txn 3 to see world, got %q", got)
	}
}

// S2 — past write blocks future read.
func TestScenarioPastWriteBlocksFutureRead(t *testing.T) {
	root := newTestRoot(t)

	f, err := root.CreateFile(1, "f", []byte("a"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Commit(1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	wg, err := f.Write(2)
	if err != nil {
		t.Fatalf("write at 2: %v", err)
	}
	defer wg.Release()

	if _, err := root.TryGetFile(3, "f"); err == nil {
		t.Fatalf("expected try_get_file at 3 to fail while txn 2 holds a write guard")
	}
	if _, err := f.TryRead(3); !Is(err, Conflict) {
		t.Fatalf("expected Conflict from try read at 3, got %v", err)
	}
}

// S3 — recursive delete.
func TestScenarioRecursiveDelete(t *testing.T) {
	root := newTestRoot(t)

	d, err := root.CreateDir(1, "d")
	if err != nil {
		t.Fatalf("create_dir: %v", err)
	}
	if _, err := d.CreateFile(1, "g", []byte("x")); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	if err := root.Commit(1, true); err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	if ok, err := root.Delete(2, "d"); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if err := root.Commit(2, true); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	if root.Contains(3, "d") {
		t.Fatalf("expected d absent at txn 3")
	}

	if _, err := root.CreateDir(4, "d"); err != nil {
		t.Fatalf("expected create_dir(d, 4) to succeed after deletion, got %v", err)
	}
}

// S4 — finalize reclaims versions.
func TestScenarioFinalizeReclaimsVersions(t *testing.T) {
	root := newTestRoot(t)

	f, err := root.CreateFile(1, "h", []byte("v1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Commit(1); err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	for _, txn := range []mvcc.TxnID{2, 3} {
		wg, err := f.Write(txn)
		if err != nil {
			t.Fatalf("write at %s: %v", txn, err)
		}
		if err := wg.Write([]byte("v" + txn.String()[len(txn.String())-1:])); err != nil {
			t.Fatalf("write bytes at %s: %v", txn, err)
		}
		wg.Release()
		if err := f.Commit(txn); err != nil {
			t.Fatalf("commit %s: %v", txn, err)
		}
	}

	if err := f.Finalize(3); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if empty, err := f.versions.IsEmpty(); err != nil || !empty {
		t.Fatalf("expected finalize(3) to reclaim every version of h, empty=%v err=%v", empty, err)
	}

	if got := mustReadString(t, f, 10); got == "" {
		t.Fatalf("expected canonical content still readable after finalize")
	}
}

// S5 — outdated write.
func TestScenarioOutdatedWrite(t *testing.T) {
	root := newTestRoot(t)

	f, err := root.CreateFile(5, "k", []byte("x"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Commit(5); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := f.Write(3); !Is(err, Outdated) {
		t.Fatalf("expected Outdated writing at txn 3 behind committed txn 5, got %v", err)
	}
}

// S6 — create conflict.
func TestScenarioCreateConflict(t *testing.T) {
	root := newTestRoot(t)

	_, fileErr := root.CreateFile(1, "x", []byte("data"))
	_, dirErr := root.CreateDir(1, "x")

	successes := 0
	if fileErr == nil {
		successes++
	} else if !Is(fileErr, AlreadyExists) {
		t.Fatalf("expected AlreadyExists or success for file create, got %v", fileErr)
	}
	if dirErr == nil {
		successes++
	} else if !Is(dirErr, AlreadyExists) {
		t.Fatalf("expected AlreadyExists or success for dir create, got %v", dirErr)
	}

	if successes != 1 {
		t.Fatalf("expected exactly one creator of x to succeed, got %d", successes)
	}
}

func TestIsolationAcrossTransactions(t *testing.T) {
	root := newTestRoot(t)

	f, err := root.CreateFile(1, "iso", []byte("base"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Commit(1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	wg, err := f.Write(2)
	if err != nil {
		t.Fatalf("write at 2: %v", err)
	}
	if err := wg.Write([]byte("changed")); err != nil {
		t.Fatalf("write bytes: %v", err)
	}
	wg.Release()

	if got := mustReadString(t, f, 1); got != "base" {
		t.Fatalf("expected txn 1 unaffected by uncommitted txn 2 write, got %q", got)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	root := newTestRoot(t)

	f, err := root.CreateFile(1, "idem", []byte("x"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Commit(1); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := f.Commit(1); err != nil {
		t.Fatalf("second commit should be a no-op, got %v", err)
	}
	if got := mustReadString(t, f, 2); got != "x" {
		t.Fatalf("expected x still visible after double commit, got %q", got)
	}
}

func TestDirectoryEntryUniqueness(t *testing.T) {
	root := newTestRoot(t)

	if _, err := root.CreateDir(1, "dup"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := root.CreateDir(1, "dup"); !Is(err, AlreadyExists) {
		t.Fatalf("expected AlreadyExists on duplicate create_dir, got %v", err)
	}
}

func TestLoadAfterCommitRestoresTree(t *testing.T) {
	dir := t.TempDir()
	budget := cache.NewMemoryBudget(64 << 20)

	root, err := LoadDirectory(1, dir, budget)
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}
	if _, err := root.CreateFile(1, "persisted", []byte("data")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := root.Commit(1, true); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reopened, err := LoadDirectory(2, dir, budget)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reopened.Contains(2, "persisted") {
		t.Fatalf("expected persisted file to survive reload")
	}
	if got := mustReadString(t, mustFile(t, reopened, "persisted", 2), 2); got != "data" {
		t.Fatalf("expected reloaded content data, got %q", got)
	}
}

// TestReadAfterLoadAtLaterTxnSeesCanonicalContent guards against a loaded
// file's baseline being treated as a pending write scoped to the load txn:
// a reload at txn 10 must stay readable at any later txn, not only at 10.
func TestReadAfterLoadAtLaterTxnSeesCanonicalContent(t *testing.T) {
	dir := t.TempDir()
	budget := cache.NewMemoryBudget(64 << 20)

	root, err := LoadDirectory(1, dir, budget)
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}
	if _, err := root.CreateFile(1, "existing", []byte("seed")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := root.Commit(1, true); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reopened, err := LoadDirectory(10, dir, budget)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	f := mustFile(t, reopened, "existing", 10)
	if got := mustReadString(t, f, 11); got != "seed" {
		t.Fatalf("expected seed visible at a txn after reload, got %q", got)
	}
}

func mustFile(t *testing.T, d *Directory, name string, txn mvcc.TxnID) *VersionedFile {
	t.Helper()
	f, err := d.GetFile(txn, name)
	if err != nil {
		t.Fatalf("get_file %s: %v", name, err)
	}
	return f
}

func TestNameValidation(t *testing.T) {
	if _, err := ParseName(".hidden"); !Is(err, Parse) {
		t.Fatalf("expected Parse error for hidden-style name, got %v", err)
	}
	if _, err := ParseName(""); !Is(err, Parse) {
		t.Fatalf("expected Parse error for empty name, got %v", err)
	}
	n, err := ParseName("ok")
	if err != nil || n != "ok" {
		t.Fatalf("expected ok to validate, got %v, %v", n, err)
	}
}

func TestDirectoryFilesIteration(t *testing.T) {
	root := newTestRoot(t)

	if _, err := root.CreateFile(1, "a", []byte("1")); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := root.CreateFile(1, "b", []byte("2")); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if err := root.Commit(1, true); err != nil {
		t.Fatalf("commit: %v", err)
	}

	files, err := root.Files(2)
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	for _, nf := range files {
		nf.Guard.Release()
	}

	if !bytes.Equal([]byte(root.FileNames(2)[0]), []byte("a")) {
		t.Fatalf("expected sorted file names to start with a, got %v", root.FileNames(2))
	}
}
