package naming

import (
	"strings"
	"testing"
)

func TestNodenames(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"storage", StorageNodename(0), "blockplane-0-storage"},
		{"format", FormatNodename(12), "blockplane-12-format"},
		{"slice", SliceNodename(3), "blockplane-3-slice-sto"},
		{"copy-on-read", CopyOnReadNodename(5), "blockplane-5-cor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
			if err := ValidateNodename(tt.got); err != nil {
				t.Errorf("ValidateNodename(%q) error = %v", tt.got, err)
			}
		})
	}
}

func TestIsManagedNodename(t *testing.T) {
	tests := []struct {
		name string
		node string
		want bool
	}{
		{"generated storage", StorageNodename(7), true},
		{"generated format", FormatNodename(7), true},
		{"foreign", "libvirt-3-format", false},
		{"prefix without separator", "blockplaneX", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsManagedNodename(tt.node); got != tt.want {
				t.Errorf("IsManagedNodename(%q) = %v, want %v", tt.node, got, tt.want)
			}
		})
	}
}

func TestValidateNodename(t *testing.T) {
	tests := []struct {
		name    string
		node    string
		wantErr bool
	}{
		{"valid", "blockplane-1-format", false},
		{"valid with dot", "node.a_b-c", false},
		{"empty", "", true},
		{"starts with digit", "1node", true},
		{"starts with dash", "-node", true},
		{"illegal character", "node$1", true},
		{"too long", strings.Repeat("a", 32), true},
		{"max length", strings.Repeat("a", 31), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNodename(tt.node)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateNodename(%q) error = %v, wantErr %v", tt.node, err, tt.wantErr)
			}
		})
	}
}

func TestObjectAliases(t *testing.T) {
	node := "blockplane-4-storage"
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"auth secret", AuthSecretAlias(node), "blockplane-4-storage-auth-secret0"},
		{"cookie secret", CookieSecretAlias(node), "blockplane-4-storage-httpcookie-secret0"},
		{"tls key secret", TLSKeySecretAlias(node), "blockplane-4-storage-tlskey-secret0"},
		{"tls creds", TLSAlias(node), "blockplane-4-storage-tls0"},
		{"encrypt secret", EncryptSecretAlias("blockplane-4-format", 0), "blockplane-4-format-encrypt-secret0"},
		{"managed pr helper", PRManagerAlias(node, true), "pr-helper0"},
		{"unmanaged pr helper", PRManagerAlias(node, false), "pr-helper-blockplane-4-storage"},
		{"chardev", ChardevAlias(node), "chr-blockplane-4-storage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestJobName(t *testing.T) {
	a := JobName("commit", "vda")
	b := JobName("commit", "vda")

	if !strings.HasPrefix(a, "commit-vda-") {
		t.Errorf("JobName() = %q, want commit-vda- prefix", a)
	}
	if len(a) != len("commit-vda-")+8 {
		t.Errorf("JobName() = %q, want 8-char suffix", a)
	}
	if a == b {
		t.Errorf("JobName() produced duplicate names %q", a)
	}
}

func TestExportName(t *testing.T) {
	if got := ExportName("vdb"); got != "vdb" {
		t.Errorf("ExportName() = %q, want vdb", got)
	}
}
