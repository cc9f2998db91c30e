package hierarchy

import (
	"testing"
)

// TestFingerprint_Deterministic verifies that identical content always
// hashes identically.
func TestFingerprint_Deterministic(t *testing.T) {
	a := &Node{LocalID: "epic", Kind: KindEpic, Title: "Auth", Body: "Login flows", Labels: []string{"auth", "backend"}}
	b := &Node{LocalID: "other", Kind: KindEpic, Title: "Auth", Body: "Login flows", Labels: []string{"auth", "backend"}}

	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("identical content produced different fingerprints")
	}
}

// TestFingerprint_LabelOrderInsensitive verifies that label order does not
// affect the hash, since trackers do not preserve it.
func TestFingerprint_LabelOrderInsensitive(t *testing.T) {
	a := FingerprintFields("task", "T", "body", nil, []string{"x", "y"})
	b := FingerprintFields("task", "T", "body", nil, []string{"y", "x"})
	if a != b {
		t.Errorf("label order changed the fingerprint")
	}
}

// TestFingerprint_FieldSensitive verifies that each hashed field actually
// participates in the hash.
func TestFingerprint_FieldSensitive(t *testing.T) {
	base := FingerprintFields("task", "T", "body", []string{"a"}, []string{"l"})

	cases := map[string]string{
		"kind":       FingerprintFields("story", "T", "body", []string{"a"}, []string{"l"}),
		"title":      FingerprintFields("task", "T2", "body", []string{"a"}, []string{"l"}),
		"body":       FingerprintFields("task", "T", "body2", []string{"a"}, []string{"l"}),
		"acceptance": FingerprintFields("task", "T", "body", []string{"b"}, []string{"l"}),
		"labels":     FingerprintFields("task", "T", "body", []string{"a"}, []string{"m"}),
	}
	for field, fp := range cases {
		if fp == base {
			t.Errorf("changing %s did not change the fingerprint", field)
		}
	}
}

// TestFingerprint_TrailingNewline verifies that trailing body newlines are
// canonicalized away, so editors that add a final newline don't cause
// spurious change detection.
func TestFingerprint_TrailingNewline(t *testing.T) {
	a := FingerprintFields("task", "T", "body text", nil, nil)
	b := FingerprintFields("task", "T", "body text\n", nil, nil)
	if a != b {
		t.Errorf("trailing newline changed the fingerprint")
	}
}

// TestNodeValidate covers required-field checks.
func TestNodeValidate(t *testing.T) {
	tests := []struct {
		name    string
		node    Node
		wantErr bool
	}{
		{"valid epic", Node{LocalID: "epic", Kind: KindEpic, Title: "E"}, false},
		{"valid task", Node{LocalID: "a/b", Kind: KindTask, Title: "T", ParentID: "a/story"}, false},
		{"missing id", Node{Kind: KindEpic, Title: "E"}, true},
		{"missing title", Node{LocalID: "epic", Kind: KindEpic}, true},
		{"bad kind", Node{LocalID: "x", Kind: Kind("milestone"), Title: "X"}, true},
		{"task without parent", Node{LocalID: "x", Kind: KindTask, Title: "X"}, true},
		{"epic with parent", Node{LocalID: "epic", Kind: KindEpic, Title: "E", ParentID: "p"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.node.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestTreeValidate_MissingParent verifies that dangling parent references
// are rejected.
func TestTreeValidate_MissingParent(t *testing.T) {
	epic := &Node{LocalID: "epic", Kind: KindEpic, Title: "E"}
	orphan := &Node{LocalID: "s/t", Kind: KindTask, Title: "T", ParentID: "s/story"}
	tree := &Tree{
		Root:  epic,
		Nodes: map[string]*Node{"epic": epic, "s/t": orphan},
		Order: []string{"epic", "s/t"},
	}
	if err := tree.Validate(); err == nil {
		t.Error("Validate() accepted a dangling parent reference")
	}
}
