package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"herbtrace/internal/integrity"
	"herbtrace/pkg/domain"
)

var base = time.Date(2024, 11, 1, 6, 0, 0, 0, time.UTC)

func testKeys(t *testing.T) *integrity.Keyring {
	t.Helper()
	ring, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("ledger-secret")}, "v1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return ring
}

func collection(batch string, at time.Time) domain.CollectionEvent {
	return domain.CollectionEvent{
		BatchID:     batch,
		Species:     "Withania somnifera",
		CollectorID: "collector-1",
		Zone:        "Rajasthan Zone A",
		Location:    domain.Coordinates{Lat: 26.5, Lng: 74.5},
		Timestamp:   at,
		Quality:     domain.QualityMetrics{MoisturePercent: 9, VisualGrade: domain.GradeGood, EstimatedYieldKg: 10},
		Accepted:    true,
	}
}

func buildChain(t *testing.T, n int) *Chain {
	t.Helper()
	c := New(testKeys(t))
	for i := 0; i < n; i++ {
		batch := fmt.Sprintf("B-%d", i%3)
		if _, err := c.Append(collection(batch, base.Add(time.Duration(i)*time.Hour)), "coop", base); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return c
}

func TestAppendLinksEntries(t *testing.T) {
	c := New(testKeys(t))
	if c.LatestHash() != integrity.GenesisHash {
		t.Fatalf("expected genesis head on empty chain")
	}
	first, err := c.Append(collection("B-1", base), "coop", base)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := c.Append(domain.ProcessingStep{BatchID: "B-1", Kind: domain.StepDrying, Timestamp: base.Add(time.Hour), ActorID: "p1"}, "processor", base)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Height != 0 || second.Height != 1 {
		t.Fatalf("expected heights 0 and 1, got %d and %d", first.Height, second.Height)
	}
	if first.PreviousHash != integrity.GenesisHash {
		t.Fatalf("expected genesis previous hash")
	}
	if second.PreviousHash != first.Hash {
		t.Fatalf("expected second entry to link to first")
	}
	if c.LatestHash() != second.Hash || c.Height() != 2 {
		t.Fatalf("unexpected head after appends")
	}
	if second.Signature == "" || second.KeyID != "v1" || second.ID == "" {
		t.Fatalf("expected signed entry with id, got %+v", second)
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestAppendRequiresOrganization(t *testing.T) {
	c := New(testKeys(t))
	if _, err := c.Append(collection("B-1", base), "  ", base); err == nil {
		t.Fatalf("expected error for blank organization")
	}
	if c.Height() != 0 {
		t.Fatalf("failed append must not advance the chain")
	}
}

func TestTamperChangesHead(t *testing.T) {
	const n = 8
	c := buildChain(t, n)
	recorded := c.LatestHash()

	for k := 0; k < n; k++ {
		entries := c.Range(0, 0)
		tampered := entries[k]
		tampered.Payload = json.RawMessage(`{"batch_id":"B-0","quality":{"estimated_yield_kg":999}}`)
		entries[k] = tampered

		prev := integrity.GenesisHash
		if k > 0 {
			prev = entries[k-1].Hash
		}
		for i := k; i < n; i++ {
			hash, err := integrity.ChainHash(entries[i], prev)
			if err != nil {
				t.Fatalf("rehash: %v", err)
			}
			entries[i].PreviousHash = prev
			entries[i].Hash = hash
			prev = hash
		}
		if prev == recorded {
			t.Fatalf("tampering entry %d left the head hash unchanged", k)
		}
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	c := buildChain(t, 5)
	c.entries[2].Payload = json.RawMessage(`{"batch_id":"B-2","accepted":false}`)

	err := c.Verify()
	var ie domain.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if ie.Height != 2 {
		t.Fatalf("expected mismatch at height 2, got %d", ie.Height)
	}
}

func TestVerifyDetectsForgedSignature(t *testing.T) {
	c := buildChain(t, 3)
	other, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("attacker")}, "v1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	forged, _, err := other.Sign(integrity.OrganizationScope("coop"), c.entries[1].Hash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c.entries[1].Signature = forged

	var ie domain.IntegrityError
	if err := c.Verify(); !errors.As(err, &ie) || ie.Height != 1 {
		t.Fatalf("expected signature integrity error at height 1, got %v", err)
	}
}

func TestForkIsolation(t *testing.T) {
	c := buildChain(t, 2)
	head := c.LatestHash()

	fork := c.Fork()
	if _, err := fork.Append(collection("B-9", base), "coop", base); err != nil {
		t.Fatalf("append to fork: %v", err)
	}
	if c.Height() != 2 || c.LatestHash() != head {
		t.Fatalf("fork append leaked into parent")
	}
	if len(c.TransactionsForBatch("B-9")) != 0 {
		t.Fatalf("fork index leaked into parent")
	}

	// a discarded fork must not disturb the next one
	again := c.Fork()
	tx, err := again.Append(collection("B-8", base), "coop", base)
	if err != nil {
		t.Fatalf("append to second fork: %v", err)
	}
	if tx.Height != 2 || tx.PreviousHash != head {
		t.Fatalf("second fork did not extend the parent head")
	}
	if err := again.Verify(); err != nil {
		t.Fatalf("verify second fork: %v", err)
	}
	if len(again.TransactionsForBatch("B-9")) != 0 {
		t.Fatalf("discarded fork visible in second fork")
	}
}

func TestTransactionsForBatchOrderedByHeight(t *testing.T) {
	c := buildChain(t, 9)
	got := c.TransactionsForBatch("B-1")
	if len(got) != 3 {
		t.Fatalf("expected 3 entries for B-1, got %d", len(got))
	}
	for i, tx := range got {
		if tx.BatchID != "B-1" {
			t.Fatalf("unexpected batch %s", tx.BatchID)
		}
		if i > 0 && got[i-1].Height >= tx.Height {
			t.Fatalf("entries not ascending by height")
		}
	}
	if batches := c.Batches(); len(batches) != 3 || batches[0] != "B-0" || batches[2] != "B-2" {
		t.Fatalf("unexpected batches %v", batches)
	}
	if len(c.TransactionsForBatch("B-10")) != 0 {
		t.Fatalf("expected prefix batch id not to match")
	}
}

func TestCollectionAndCertificates(t *testing.T) {
	c := New(testKeys(t))
	pending := collection("B-1", base)
	pending.Accepted = false
	if _, err := c.Append(pending, "coop", base); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, ok := c.Collection("B-1"); ok {
		t.Fatalf("expected unaccepted collection not to count")
	}
	if _, err := c.Append(collection("B-2", base), "coop", base); err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev, ok := c.Collection("B-2"); !ok || ev.BatchID != "B-2" {
		t.Fatalf("expected accepted collection for B-2")
	}
	test := domain.QualityTest{BatchID: "B-2", Kind: domain.TestPotency, Result: domain.ResultPass, CertificateFingerprint: "sha256:abc", Timestamp: base, ActorID: "lab"}
	if _, err := c.Append(test, "lab", base); err != nil {
		t.Fatalf("append test: %v", err)
	}
	if !c.HasCertificate("sha256:abc") || c.HasCertificate("sha256:def") {
		t.Fatalf("certificate index incorrect")
	}
}

func TestRange(t *testing.T) {
	c := buildChain(t, 5)
	if got := c.Range(1, 2); len(got) != 2 || got[0].Height != 1 || got[1].Height != 2 {
		t.Fatalf("unexpected range %v", got)
	}
	if got := c.Range(3, 0); len(got) != 2 {
		t.Fatalf("expected tail of 2, got %d", len(got))
	}
	if got := c.Range(5, 10); got != nil {
		t.Fatalf("expected nil past the head")
	}
	got := c.Range(0, 1)
	got[0].Hash = "mutated"
	if c.entries[0].Hash == "mutated" {
		t.Fatalf("range must return a copy")
	}
}

func TestRestoreAndExtendLinkage(t *testing.T) {
	c := buildChain(t, 4)
	keys := testKeys(t)
	restored, err := Restore(keys, c.Range(0, 0))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.LatestHash() != c.LatestHash() {
		t.Fatalf("restored head differs")
	}

	entries := c.Range(0, 0)
	entries[2], entries[3] = entries[3], entries[2]
	if _, err := Restore(keys, entries); err == nil {
		t.Fatalf("expected reordered entries to be rejected")
	}

	other, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("different")}, "v1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	if _, err := Restore(other, c.Range(0, 0)); err == nil {
		t.Fatalf("expected restore with foreign key to fail verification")
	}
}
